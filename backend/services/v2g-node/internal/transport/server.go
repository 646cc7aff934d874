package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

// Dynamic port range used for V2G listeners.
const (
	DynamicPortMin = 49152
	DynamicPortMax = 65535
	bindAttempts   = 32
)

var ErrNoFreePort = errors.New("transport: no free dynamic port")

// Peer identifies an accepted connection.
type Peer struct {
	ID     string
	Remote string
	Secure bool
}

// Dispatcher answers request payloads arriving on accepted connections.
type Dispatcher interface {
	Dispatch(ctx context.Context, peer Peer, payload []byte) ([]byte, error)
	Release(ctx context.Context, peer Peer)
}

// BindDynamicPort binds a TCP listener on host using a random port from the
// dynamic range.
func BindDynamicPort(host string) (net.Listener, int, error) {
	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port := DynamicPortMin + rand.IntN(DynamicPortMax-DynamicPortMin+1)
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("%w: %v", ErrNoFreePort, lastErr)
}

// Server accepts V2G connections and feeds their requests to a dispatcher.
type Server struct {
	manager     *Manager
	idleTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewServer builds server. idleTimeout bounds the wait for the next request.
func NewServer(manager *Manager, idleTimeout time.Duration, logger *zap.Logger) *Server {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Server{
		manager:     manager,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// ListenTLS starts accepting TLS connections on ln and returns once the accept
// loop is running.
func (s *Server) ListenTLS(ctx context.Context, ln net.Listener, certFile, keyFile string, dispatcher Dispatcher) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("transport: load server certificate: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}
	s.start(ctx, tls.NewListener(ln, cfg), true, dispatcher)
	return nil
}

// ListenPlain starts accepting unencrypted connections on ln.
func (s *Server) ListenPlain(ctx context.Context, ln net.Listener, dispatcher Dispatcher) error {
	s.start(ctx, ln, false, dispatcher)
	return nil
}

func (s *Server) start(ctx context.Context, ln net.Listener, secure bool, dispatcher Dispatcher) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", secure))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln, secure, dispatcher)
	}()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, secure bool, dispatcher Dispatcher) {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, secure, dispatcher)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, secure bool, dispatcher Dispatcher) {
	peer := Peer{ID: uuid.NewString(), Remote: conn.RemoteAddr().String(), Secure: secure}
	logger := s.logger.With(zap.String("conn_id", peer.ID), zap.String("remote", peer.Remote), zap.Bool("tls", secure))
	s.manager.Add(peer.ID, conn)
	logger.Info("peer connected", zap.Int("connections", s.manager.Len()))

	defer func() {
		_ = conn.Close()
		s.manager.Remove(peer.ID)
		dispatcher.Release(context.WithoutCancel(ctx), peer)
		logger.Info("peer disconnected")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		payloadType, payload, err := v2g.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Info("connection read closed", zap.Error(err))
			}
			return
		}
		if payloadType != v2g.PayloadTypeV2GMessage {
			logger.Warn("unexpected payload type", zap.Uint16("payload_type", payloadType))
			return
		}

		response, err := dispatcher.Dispatch(ctx, peer, payload)
		if err != nil {
			logger.Warn("failed to process request", zap.Error(err))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.idleTimeout))
		if err := v2g.WriteFrame(conn, v2g.PayloadTypeV2GMessage, response); err != nil {
			logger.Info("connection write failed", zap.Error(err))
			return
		}
	}
}

// Close stops every listener, drops open connections and waits for handlers.
func (s *Server) Close() {
	s.mu.Lock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
	s.mu.Unlock()
	s.manager.CloseAll()
	s.wg.Wait()
}
