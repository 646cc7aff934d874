package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

// DialOptions configures outgoing connections.
type DialOptions struct {
	ConnectTimeout  time.Duration
	ExchangeTimeout time.Duration
	Logger          *zap.Logger
}

// ClientTLS holds the EV's TLS material. With no roots the server certificate
// is not verified.
type ClientTLS struct {
	CertFile string
	KeyFile  string
	Roots    *x509.CertPool
}

func (o DialOptions) dialer() *net.Dialer {
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &net.Dialer{Timeout: timeout}
}

func (o DialOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// ConnectPlain opens an unencrypted connection to addr.
func ConnectPlain(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	netConn, err := opts.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, v2g.Classify("connect "+addr, err)
	}
	conn := newConn(netConn, false, opts.ExchangeTimeout, opts.logger())
	conn.logger.Info("connected", zap.String("remote", addr), zap.Bool("tls", false))
	return conn, nil
}

// ConnectTLS opens a TLS connection to addr and completes the handshake.
func ConnectTLS(ctx context.Context, addr string, material ClientTLS, opts DialOptions) (*Conn, error) {
	op := "connect " + addr
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if material.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(material.CertFile, material.KeyFile)
		if err != nil {
			return nil, v2g.Local(op, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if material.Roots != nil {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, v2g.Local(op, err)
		}
		cfg.RootCAs = material.Roots
		cfg.ServerName = host
	} else {
		cfg.InsecureSkipVerify = true
	}

	dialer := &tls.Dialer{NetDialer: opts.dialer(), Config: cfg}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, v2g.Classify(op, err)
	}
	conn := newConn(netConn, true, opts.ExchangeTimeout, opts.logger())
	conn.logger.Info("connected", zap.String("remote", addr), zap.Bool("tls", true))
	return conn, nil
}
