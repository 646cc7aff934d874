package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names a session lifecycle event.
type Type string

const (
	TypeSessionOpened Type = "session.opened"
	TypePhaseChanged  Type = "session.phase"
	TypeRequestFailed Type = "session.rejected"
	TypeSessionClosed Type = "session.closed"
)

const defaultSinkTimeout = 500 * time.Millisecond

// ErrDropped marks a sink that skipped an event on purpose, for example
// because its backend is not connected yet. The bus logs it at debug level.
var ErrDropped = errors.New("event dropped")

// Event describes a change on the SECC session table.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	EVSEID    string    `json:"evseId,omitempty"`
	EVCCID    string    `json:"evccId,omitempty"`
	Phase     string    `json:"phase"`
	Secure    bool      `json:"secure"`
	Remote    string    `json:"remote,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives published events.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Bus fans events out to sinks. Sink failures are logged and dropped.
type Bus struct {
	mu      sync.RWMutex
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
}

// NewBus returns bus.
func NewBus(logger *zap.Logger, sinks ...Sink) *Bus {
	return &Bus{
		sinks:   sinks,
		timeout: defaultSinkTimeout,
		logger:  logger,
	}
}

// Add registers sink.
func (b *Bus) Add(sink Sink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish delivers ev to every sink, each bounded by the sink timeout.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, sink := range sinks {
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		err := sink.Handle(sinkCtx, ev)
		cancel()
		if err == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("sink", sink.Name()),
			zap.String("event", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
			zap.Error(err),
		}
		if errors.Is(err, ErrDropped) {
			b.logger.Debug("event sink dropped event", fields...)
			continue
		}
		b.logger.Warn("event sink failed", fields...)
	}
}
