package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"v2gcharge/backend/services/v2g-node/internal/config"
	"v2gcharge/backend/services/v2g-node/internal/trust/trusttest"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func baseConfig(role config.NodeRole) *config.Config {
	cfg := config.Default()
	cfg.Node.Role = role
	cfg.Node.Interface = "lo"
	cfg.Transport.BindHost = "127.0.0.1"
	cfg.Discovery.Retries = 40
	cfg.Discovery.TryTimeout = 100 * time.Millisecond
	cfg.Charging.Loops = 2
	cfg.Charging.StatusInterval = 10 * time.Millisecond
	cfg.Charging.OngoingInterval = 10 * time.Millisecond
	return cfg
}

type pair struct {
	evse, ev *config.Config
}

func newPair(t *testing.T) pair {
	t.Helper()
	pki := trusttest.Generate(t, t.TempDir())
	sdpAddr := freeUDPAddr(t)

	evse := baseConfig(config.RoleEVSE)
	evse.Certs.ContractRoots = pki.RootDir
	evse.Certs.EVSECert = pki.ServerCert
	evse.Certs.EVSEKey = pki.ServerKey
	evse.Discovery.ListenAddr = sdpAddr
	evse.Discovery.AdvertiseIP = "127.0.0.1"

	ev := baseConfig(config.RoleEV)
	ev.Certs.ContractChain = pki.ContractChain
	ev.Certs.ContractKey = pki.ContractKey
	ev.Certs.EVCert = filepath.Join(t.TempDir(), "missing.pem")
	ev.Discovery.Target = sdpAddr
	return pair{evse: evse, ev: ev}
}

func observed(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// runPair starts the EVSE, runs the EV to completion and stops the EVSE.
func runPair(t *testing.T, p pair) (*observer.ObservedLogs, *observer.ObservedLogs) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	evseLogger, evseLogs := observed(t)
	station, err := New(ctx, p.evse, evseLogger)
	if err != nil {
		t.Fatalf("new evse: %v", err)
	}
	defer station.Close()

	evseCtx, stopEVSE := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- station.Run(evseCtx) }()

	evLogger, evLogs := observed(t)
	vehicle, err := New(ctx, p.ev, evLogger)
	if err != nil {
		t.Fatalf("new ev: %v", err)
	}
	defer vehicle.Close()
	if err := vehicle.Run(ctx); err != nil {
		t.Fatalf("ev run: %v", err)
	}

	waitFor(t, func() bool { return evseLogs.FilterMessage("session released").Len() == 1 })
	stopEVSE()
	if err := <-done; err != nil {
		t.Fatalf("evse run: %v", err)
	}
	return evLogs, evseLogs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func assertCleanRoundTrip(t *testing.T, evLogs *observer.ObservedLogs) {
	t.Helper()
	if n := evLogs.FilterMessage("step failed").Len(); n != 0 {
		t.Fatalf("expected no failed steps, got %d: %v", n, evLogs.FilterMessage("step failed").All()[0].ContextMap())
	}
	if evLogs.FilterMessage("finished charging, ending session").Len() != 1 {
		t.Fatalf("expected one finished session")
	}
	if n := evLogs.FilterMessage("connection closed").Len(); n > 1 {
		t.Fatalf("connection released %d times", n)
	}
}

func TestFreePlainRoundTrip(t *testing.T) {
	p := newPair(t)
	p.evse.Features.DisableTLS = true
	p.evse.Features.FreeCharging = true
	p.ev.Features.DisableTLS = true
	p.ev.Features.FreeCharging = true

	evLogs, evseLogs := runPair(t, p)
	assertCleanRoundTrip(t, evLogs)

	released := evseLogs.FilterMessage("session released").All()[0].ContextMap()
	if released["last_phase"] != "Stopped" {
		t.Fatalf("expected session to end Stopped on the station, got %v", released["last_phase"])
	}
}

func TestContractPaymentOverTLS(t *testing.T) {
	p := newPair(t)
	p.evse.Features.DisableTCP = true

	evLogs, _ := runPair(t, p)
	assertCleanRoundTrip(t, evLogs)
	if evLogs.FilterField(zap.String("step", "payment details")).Len() == 0 {
		t.Fatalf("expected payment details step for contract payment")
	}
}

func TestEVSEFailsWithoutTrustAnchors(t *testing.T) {
	cfg := baseConfig(config.RoleEVSE)
	cfg.Certs.ContractRoots = t.TempDir()
	if _, err := New(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected missing anchors to be fatal")
	}
}

func TestEVSENeedsOneListener(t *testing.T) {
	pki := trusttest.Generate(t, t.TempDir())
	cfg := baseConfig(config.RoleEVSE)
	cfg.Certs.ContractRoots = pki.RootDir
	cfg.Features.DisableTLS = true
	cfg.Features.DisableTCP = true

	station, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer station.Close()
	if err := station.Run(context.Background()); !errors.Is(err, ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}
}

func TestEVDiscoveryTimeoutIsFatal(t *testing.T) {
	cfg := baseConfig(config.RoleEV)
	cfg.Features.FreeCharging = true
	cfg.Features.DisableTLS = true
	cfg.Certs.ContractChain = ""
	cfg.Discovery.Target = freeUDPAddr(t)
	cfg.Discovery.Retries = 3
	cfg.Discovery.TryTimeout = 20 * time.Millisecond

	logger, logs := observed(t)
	vehicle, err := New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer vehicle.Close()

	err = vehicle.Run(context.Background())
	if !v2g.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if logs.FilterMessage("connected").Len() != 0 {
		t.Fatalf("no connection expected after failed discovery")
	}
}

func TestEVNeedsContractForPaidCharging(t *testing.T) {
	cfg := baseConfig(config.RoleEV)
	cfg.Certs.ContractChain = ""
	if _, err := New(context.Background(), cfg, zap.NewNop()); !errors.Is(err, ErrNoContract) {
		t.Fatalf("expected ErrNoContract, got %v", err)
	}
}

func TestEVUnreadableContractIsFatalEvenWhenFree(t *testing.T) {
	dir := t.TempDir()
	for name, mutate := range map[string]func(*config.Config){
		"pem chain": func(c *config.Config) {
			c.Certs.ContractChain = filepath.Join(dir, "none.pem")
		},
		"pkcs12 bundle": func(c *config.Config) {
			c.Certs.ContractBundle = filepath.Join(dir, "none.p12")
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig(config.RoleEV)
			cfg.Features.FreeCharging = true
			mutate(cfg)
			vehicle, err := New(context.Background(), cfg, zap.NewNop())
			if err == nil {
				vehicle.Close()
				t.Fatalf("expected unreadable contract to be fatal")
			}
			if errors.Is(err, ErrNoContract) {
				t.Fatalf("unreadable contract reported as missing: %v", err)
			}
		})
	}
}
