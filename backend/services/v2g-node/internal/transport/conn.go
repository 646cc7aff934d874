package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

var ErrConnClosed = errors.New("transport: connection closed")

const defaultExchangeTimeout = 5 * time.Second

// Conn is the EV side of a V2G connection. It carries one request/response
// exchange at a time.
type Conn struct {
	id      string
	netConn net.Conn
	secure  bool
	timeout time.Duration
	parser  *v2g.Parser
	logger  *zap.Logger

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(netConn net.Conn, secure bool, timeout time.Duration, logger *zap.Logger) *Conn {
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	id := uuid.NewString()
	return &Conn{
		id:      id,
		netConn: netConn,
		secure:  secure,
		timeout: timeout,
		parser:  v2g.NewParser(),
		logger:  logger.With(zap.String("conn_id", id)),
	}
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string {
	return c.id
}

// Secure reports whether the connection is TLS protected.
func (c *Conn) Secure() bool {
	return c.secure
}

// Remote returns the peer address.
func (c *Conn) Remote() string {
	return c.netConn.RemoteAddr().String()
}

// Exchange sends msg and waits for the response, bounded by ctx and the
// connection timeout.
func (c *Conn) Exchange(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	op := "exchange " + msg.Type
	if c.closed.Load() {
		return nil, v2g.Local(op, ErrConnClosed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.netConn.SetDeadline(deadline); err != nil {
		return nil, v2g.Local(op, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.netConn.SetDeadline(time.Now())
	})
	defer stop()

	payload, err := v2g.Encode(msg)
	if err != nil {
		return nil, v2g.Local(op, err)
	}
	c.logger.Debug("send", zap.String("type", msg.Type), zap.Int("bytes", len(payload)))
	if err := v2g.WriteFrame(c.netConn, v2g.PayloadTypeV2GMessage, payload); err != nil {
		return nil, c.classify(ctx, op, err)
	}

	payloadType, raw, err := v2g.ReadFrame(c.netConn)
	if err != nil {
		if v2g.IsFramingError(err) {
			return nil, v2g.Malformed(op, err)
		}
		return nil, c.classify(ctx, op, err)
	}
	if payloadType != v2g.PayloadTypeV2GMessage {
		return nil, v2g.Malformed(op, errors.New("unexpected payload type"))
	}
	resp, err := c.parser.Parse(raw)
	if err != nil {
		return nil, v2g.Malformed(op, err)
	}
	c.logger.Debug("receive", zap.String("type", resp.Type), zap.Int("bytes", len(raw)))
	return resp, nil
}

// classify prefers the context's reason when the deadline was forced by cancellation.
func (c *Conn) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v2g.Classify(op, ctxErr)
	}
	return v2g.Classify(op, err)
}

// Close closes the socket. Only the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.netConn.Close()
		c.logger.Debug("connection closed")
	})
	return c.closeErr
}
