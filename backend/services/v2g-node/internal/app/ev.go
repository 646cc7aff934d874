package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/association"
	"v2gcharge/backend/services/v2g-node/internal/ev"
	"v2gcharge/backend/services/v2g-node/internal/sdp"
	"v2gcharge/backend/services/v2g-node/internal/transport"
	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// runEV associates, discovers the SECC, connects and drives one session.
func (a *App) runEV(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Features.Association {
		if err := a.line.Set(ctx, false); err != nil {
			a.logger.Warn("line power off failed", zap.Error(err))
		}
		coordinator := association.NewCoordinator(a.associator, cfg.Association.MaxAttempts, cfg.Association.Backoff, a.logger)
		if _, err := coordinator.Run(ctx, cfg.Node.Interface); err != nil {
			return fmt.Errorf("app: association: %w", err)
		}
		a.logger.Info("waiting for the network to settle",
			zap.String("mode", cfg.Association.SettleMode),
			zap.Duration("delay", cfg.Association.SettleDelay),
		)
		if err := association.Settle(ctx, cfg.Association.SettleMode, cfg.Association.SettleDelay, a.flags, cfg.Node.Interface); err != nil {
			return fmt.Errorf("app: settle: %w", err)
		}
	}

	client := sdp.NewClient(cfg.Node.Interface, a.logger)
	client.Retries = cfg.Discovery.Retries
	client.TryTimeout = cfg.Discovery.TryTimeout
	if cfg.Discovery.Target != "" {
		target, err := net.ResolveUDPAddr("udp", cfg.Discovery.Target)
		if err != nil {
			return fmt.Errorf("app: discovery target: %w", err)
		}
		client.Target = target
	}

	tlsRequested := !cfg.Features.DisableTLS
	a.logger.Info("discovering secc", zap.Bool("tls_requested", tlsRequested))
	result, err := client.Discover(ctx, tlsRequested)
	if err != nil {
		return fmt.Errorf("app: discovery: %w", err)
	}
	a.logger.Info("secc discovered", zap.String("addr", result.Address()), zap.Bool("tls", result.Secure))

	conn, err := a.connect(ctx, result)
	if err != nil {
		a.logger.Error("connect failed",
			zap.String("addr", result.Address()),
			zap.String("kind", v2g.KindOf(err).String()),
			zap.Error(err),
		)
		return nil
	}

	machine := ev.New(conn, a.credential, ev.Options{
		EVCCID:             cfg.EVCCID(),
		ChargingLoops:      cfg.Charging.Loops,
		StatusInterval:     cfg.Charging.StatusInterval,
		OngoingRetries:     cfg.Charging.OngoingRetries,
		OngoingInterval:    cfg.Charging.OngoingInterval,
		StepTimeout:        cfg.Charging.StepTimeout,
		StopTimeout:        cfg.Charging.StopTimeout,
		EnergyTransferMode: cfg.Charging.EnergyTransferMode,
		ChargeParameter: protocol.ACEVChargeParameter{
			EAmountWh:    cfg.Charging.EAmountWh,
			EVMaxVoltage: cfg.Charging.EVMaxVoltage,
			EVMaxCurrent: cfg.Charging.EVMaxCurrent,
			EVMinCurrent: cfg.Charging.EVMinCurrent,
		},
	}, a.logger)
	// the session record owns the credential from here on
	a.credential = nil

	if err := machine.Run(ctx); err != nil {
		var stepErr *ev.StepError
		if errors.As(err, &stepErr) {
			a.logger.Error("charging session abandoned", zap.String("step", stepErr.Step), zap.Error(stepErr.Err))
			return nil
		}
		a.logger.Warn("closing connection failed", zap.Error(err))
	}
	return nil
}

func (a *App) connect(ctx context.Context, result sdp.Result) (*transport.Conn, error) {
	opts := transport.DialOptions{
		ConnectTimeout:  a.cfg.Transport.ConnectTimeout,
		ExchangeTimeout: a.cfg.Transport.ExchangeTimeout,
		Logger:          a.logger,
	}
	if !result.Secure {
		return transport.ConnectPlain(ctx, result.Address(), opts)
	}

	material := transport.ClientTLS{}
	if fileExists(a.cfg.Certs.EVCert) && fileExists(a.cfg.Certs.EVKey) {
		material.CertFile = a.cfg.Certs.EVCert
		material.KeyFile = a.cfg.Certs.EVKey
	}
	if a.cfg.Certs.ServerRoots != "" {
		roots, err := trust.LoadContractChain(a.cfg.Certs.ServerRoots)
		if err != nil {
			return nil, v2g.Local("connect", err)
		}
		material.Roots = roots.Pool()
	}
	return transport.ConnectTLS(ctx, result.Address(), material, opts)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
