package app

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"v2gcharge/backend/services/v2g-node/internal/association"
	"v2gcharge/backend/services/v2g-node/internal/handlers"
	httpserver "v2gcharge/backend/services/v2g-node/internal/http"
	httphandlers "v2gcharge/backend/services/v2g-node/internal/http/handlers"
	"v2gcharge/backend/services/v2g-node/internal/http/middleware"
	"v2gcharge/backend/services/v2g-node/internal/sdp"
	"v2gcharge/backend/services/v2g-node/internal/service"
	"v2gcharge/backend/services/v2g-node/internal/transport"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
	"v2gcharge/backend/services/v2g-node/internal/ws"
)

// runEVSE starts the listeners, then advertises them, and serves sessions
// until ctx ends. Trust anchors are loaded by New before anything listens.
func (a *App) runEVSE(ctx context.Context) error {
	cfg := a.cfg
	if err := a.line.Set(ctx, false); err != nil {
		a.logger.Warn("line power off failed", zap.Error(err))
	}
	if cfg.Features.Association {
		listener := association.NewLinkListener(a.logger)
		listener.Flags = a.flags
		listener.Listen(ctx, cfg.Node.Interface)
	}

	table := service.NewSessionTable(cfg.Node.EVSEID)
	router := v2g.NewRouter()
	handlers.Register(router, handlers.Deps{
		EVSEID:       cfg.Node.EVSEID,
		MeterID:      cfg.EVSE.MeterID,
		FreeCharging: cfg.Features.FreeCharging,
		StopAfter:    cfg.EVSE.StopAfterStatus,
		Limits: handlers.Limits{
			NominalVoltage:   cfg.EVSE.NominalVoltage,
			MaxCurrent:       cfg.EVSE.MaxCurrent,
			Modes:            []string{protocol.EnergyACSinglePhase, protocol.EnergyACThreePhase},
			ScheduleDuration: cfg.EVSE.ScheduleDuration,
		},
		Anchors:    a.anchors,
		Authorizer: a.authorizer,
		Line:       a.line,
		Logger:     a.logger,
	})
	processor := v2g.NewProcessor(v2g.NewParser(), router, table, a.bus, a.logger)
	secure, plain := service.NewDispatchers(processor, table, a.line, a.bus, a.logger)

	server := transport.NewServer(transport.NewManager(), cfg.Transport.IdleTimeout, a.logger)
	defer server.Close()

	tlsPort, tcpPort, err := a.listen(ctx, server, secure, plain)
	if err != nil {
		return err
	}

	advertiser := sdp.NewAdvertiser(cfg.Node.Interface, a.logger)
	if cfg.Discovery.ListenAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.Discovery.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: discovery listen address: %w", err)
		}
		advertiser.ListenAddr = addr
	}
	if cfg.Discovery.AdvertiseIP != "" {
		advertiser.IP = net.ParseIP(cfg.Discovery.AdvertiseIP)
	}
	if err := advertiser.Bind(); err != nil {
		return fmt.Errorf("app: advertise: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return advertiser.Serve(gctx, tlsPort, tcpPort)
	})
	g.Go(func() error {
		a.hub.Start(gctx)
		return nil
	})
	if a.mqtt != nil {
		g.Go(func() error {
			if err := a.mqtt.Open(gctx); err != nil && gctx.Err() == nil {
				a.logger.Warn("mqtt unavailable, events are not published", zap.Error(err))
			}
			return nil
		})
	}
	if addr := cfg.MonitorAddress(); addr != "" {
		monitor := httpserver.NewServer(addr, a.monitorRouter(table), a.logger)
		g.Go(func() error {
			return monitor.Run(gctx)
		})
	}

	a.logger.Info("evse ready", zap.Int("tls_port", tlsPort), zap.Int("tcp_port", tcpPort))
	return g.Wait()
}

// listen binds and starts every enabled listener. A disabled mode reports port 0.
func (a *App) listen(ctx context.Context, server *transport.Server, secure *service.SecureDispatcher, plain *service.PlainDispatcher) (int, int, error) {
	cfg := a.cfg
	if cfg.Features.DisableTLS && cfg.Features.DisableTCP {
		return 0, 0, ErrNoListener
	}

	var tlsPort, tcpPort int
	if !cfg.Features.DisableTLS {
		ln, port, err := transport.BindDynamicPort(cfg.Transport.BindHost)
		if err != nil {
			return 0, 0, fmt.Errorf("app: bind tls port: %w", err)
		}
		if err := server.ListenTLS(ctx, ln, cfg.Certs.EVSECert, cfg.Certs.EVSEKey, secure); err != nil {
			ln.Close()
			return 0, 0, err
		}
		tlsPort = port
	}
	if !cfg.Features.DisableTCP {
		ln, port, err := transport.BindDynamicPort(cfg.Transport.BindHost)
		if err != nil {
			return 0, 0, fmt.Errorf("app: bind tcp port: %w", err)
		}
		if err := server.ListenPlain(ctx, ln, plain); err != nil {
			ln.Close()
			return 0, 0, err
		}
		tcpPort = port
	}
	return tlsPort, tcpPort, nil
}

func (a *App) monitorRouter(table *service.SessionTable) http.Handler {
	stream := ws.NewServer(a.hub, a.cfg.Transport.ExchangeTimeout, a.logger)
	return httpserver.NewRouter(httpserver.Routes{
		Health:   httphandlers.NewHealthHandler(a.cfg.Node.Role.String(), a.cfg.Node.EVSEID, table),
		Sessions: httphandlers.NewSessionsHandler(table),
		Stream:   stream.HandleWS,
	}, middleware.AuthMiddleware(a.cfg.Monitor.JWTSecret))
}
