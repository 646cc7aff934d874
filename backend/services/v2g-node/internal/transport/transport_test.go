package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/trust/trusttest"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// echoDispatcher answers every request with its response type. Requests of
// type SlowReq are answered after delay.
type echoDispatcher struct {
	delay time.Duration

	mu       sync.Mutex
	peers    []Peer
	released []string
}

func (d *echoDispatcher) Dispatch(ctx context.Context, peer Peer, payload []byte) ([]byte, error) {
	msg, err := v2g.NewParser().Parse(payload)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.peers = append(d.peers, peer)
	d.mu.Unlock()
	if msg.Type == "SlowReq" {
		time.Sleep(d.delay)
	}
	return v2g.Encode(v2g.BuildFailure(msg.SessionID, msg.Type, protocol.ResponseOK))
}

func (d *echoDispatcher) Release(_ context.Context, peer Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, peer.ID)
}

func (d *echoDispatcher) releasedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.released)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func startPlain(t *testing.T, d Dispatcher) (*Server, string) {
	t.Helper()
	ln, port, err := BindDynamicPort("127.0.0.1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if port < DynamicPortMin || port > DynamicPortMax {
		t.Fatalf("port %d outside dynamic range", port)
	}
	server := NewServer(NewManager(), time.Second, zap.NewNop())
	if err := server.ListenPlain(context.Background(), ln, d); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(server.Close)
	return server, ln.Addr().String()
}

func TestPlainExchangeAndRelease(t *testing.T) {
	d := &echoDispatcher{}
	server, addr := startPlain(t, d)

	conn, err := ConnectPlain(context.Background(), addr, DialOptions{ExchangeTimeout: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Secure() {
		t.Fatalf("plain connection reported as secure")
	}
	resp, err := conn.Exchange(context.Background(), &protocol.Message{SessionID: "ab", Type: protocol.TypeSessionSetupReq})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Type != protocol.TypeSessionSetupRes || resp.SessionID != "ab" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if n := server.manager.Len(); n != 1 {
		t.Fatalf("expected one tracked connection, got %d", n)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close must repeat the first result, got %v", err)
	}
	if _, err := conn.Exchange(context.Background(), &protocol.Message{Type: protocol.TypeSessionStopReq}); v2g.KindOf(err) != v2g.KindLocal {
		t.Fatalf("exchange on closed connection must be a local fault, got %v", err)
	}
	waitFor(t, func() bool { return d.releasedCount() == 1 })
	waitFor(t, func() bool { return server.manager.Len() == 0 })
}

func TestTLSExchange(t *testing.T) {
	pki := trusttest.Generate(t, t.TempDir())
	roots, err := trust.LoadContractChain(pki.RootDir)
	if err != nil {
		t.Fatalf("roots: %v", err)
	}

	ln, _, err := BindDynamicPort("127.0.0.1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	d := &echoDispatcher{}
	server := NewServer(NewManager(), time.Second, zap.NewNop())
	defer server.Close()
	if err := server.ListenTLS(context.Background(), ln, pki.ServerCert, pki.ServerKey, d); err != nil {
		t.Fatalf("listen tls: %v", err)
	}

	conn, err := ConnectTLS(context.Background(), ln.Addr().String(), ClientTLS{Roots: roots.Pool()}, DialOptions{})
	if err != nil {
		t.Fatalf("connect tls: %v", err)
	}
	defer conn.Close()
	if !conn.Secure() {
		t.Fatalf("expected secure connection")
	}
	if _, err := conn.Exchange(context.Background(), &protocol.Message{Type: protocol.TypeServiceDiscoveryReq}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	d.mu.Lock()
	secure := d.peers[0].Secure
	d.mu.Unlock()
	if !secure {
		t.Fatalf("dispatcher should see a secure peer")
	}
}

func TestExchangeTimeout(t *testing.T) {
	_, addr := startPlain(t, &echoDispatcher{delay: 300 * time.Millisecond})
	conn, err := ConnectPlain(context.Background(), addr, DialOptions{ExchangeTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	_, err = conn.Exchange(context.Background(), &protocol.Message{Type: "SlowReq"})
	if !v2g.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestExchangeHonoursCancellation(t *testing.T) {
	_, addr := startPlain(t, &echoDispatcher{delay: 500 * time.Millisecond})
	conn, err := ConnectPlain(context.Background(), addr, DialOptions{ExchangeTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	if _, err := conn.Exchange(ctx, &protocol.Message{Type: "SlowReq"}); err == nil {
		t.Fatalf("expected cancelled exchange to fail")
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("cancellation did not interrupt the exchange")
	}
}

func TestDisabledModeFailsFast(t *testing.T) {
	// only the plain listener runs; the port a TLS listener would use stays closed
	_, plainAddr := startPlain(t, &echoDispatcher{})
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	disabledAddr := closed.Addr().String()
	closed.Close()

	start := time.Now()
	_, err = ConnectTLS(context.Background(), disabledAddr, ClientTLS{}, DialOptions{ConnectTimeout: 3 * time.Second})
	if err == nil {
		t.Fatalf("expected connect to disabled mode to fail")
	}
	if v2g.IsTimeout(err) || time.Since(start) > time.Second {
		t.Fatalf("expected an immediate refusal, got %v after %s", err, time.Since(start))
	}

	conn, err := ConnectPlain(context.Background(), plainAddr, DialOptions{})
	if err != nil {
		t.Fatalf("enabled mode must accept: %v", err)
	}
	conn.Close()
}
