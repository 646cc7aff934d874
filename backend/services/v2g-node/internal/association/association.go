package association

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

const (
	defaultMaxAttempts  = 10
	defaultBackoff      = time.Second
	defaultPollInterval = 200 * time.Millisecond
)

var (
	ErrExhausted = errors.New("association: attempts exhausted")
	ErrLinkDown  = errors.New("association: link not ready")
)

// Associator performs one association attempt on an interface.
type Associator interface {
	Associate(ctx context.Context, iface string) error
}

// Attempt is the outcome of an association run.
type Attempt struct {
	Count int
	Err   error
}

// Coordinator retries association with a bounded number of attempts.
type Coordinator struct {
	associator  Associator
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewCoordinator returns coordinator. Non-positive limits fall back to defaults.
func NewCoordinator(associator Associator, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if backoff < 0 {
		backoff = defaultBackoff
	}
	return &Coordinator{
		associator:  associator,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
	}
}

// Run associates on iface, logging every attempt.
func (c *Coordinator) Run(ctx context.Context, iface string) (Attempt, error) {
	var last error
	for n := 1; n <= c.maxAttempts; n++ {
		c.logger.Info("association attempt", zap.String("iface", iface), zap.Int("attempt", n))
		err := c.associator.Associate(ctx, iface)
		if err == nil {
			c.logger.Info("association complete", zap.String("iface", iface), zap.Int("attempts", n))
			return Attempt{Count: n}, nil
		}
		last = err
		if n == c.maxAttempts {
			c.logger.Error("association attempts exhausted",
				zap.String("iface", iface),
				zap.Int("attempts", n),
				zap.Error(err),
			)
			break
		}
		c.logger.Warn("association attempt failed, trying again",
			zap.String("iface", iface),
			zap.Int("attempt", n),
			zap.Error(err),
		)
		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return Attempt{Count: n, Err: last}, v2g.Classify("associate", ctx.Err())
		}
	}
	err := fmt.Errorf("%w after %d: %v", ErrExhausted, c.maxAttempts, last)
	return Attempt{Count: c.maxAttempts, Err: last}, v2g.Local("associate", err)
}

// FlagsFunc reports the flags of a network interface.
type FlagsFunc func(iface string) (net.Flags, error)

// InterfaceFlags reads flags from the operating system.
func InterfaceFlags(iface string) (net.Flags, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return 0, err
	}
	return ifi.Flags, nil
}

// Ready reports whether the link is up and running.
func Ready(flags net.Flags) bool {
	return flags&net.FlagUp != 0 && flags&net.FlagRunning != 0
}

// LinkAssociator treats a modem link that comes up and running as associated.
type LinkAssociator struct {
	Flags        FlagsFunc
	Timeout      time.Duration
	PollInterval time.Duration
}

// NewLinkAssociator returns associator using the operating system's link state.
func NewLinkAssociator(timeout time.Duration) *LinkAssociator {
	return &LinkAssociator{Flags: InterfaceFlags, Timeout: timeout, PollInterval: defaultPollInterval}
}

// Associate polls the link until it is ready or the attempt times out.
func (a *LinkAssociator) Associate(ctx context.Context, iface string) error {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	if err := waitReady(ctx, a.Flags, iface, a.PollInterval); err != nil {
		return v2g.Classify("associate "+iface, err)
	}
	return nil
}

func waitReady(ctx context.Context, flags FlagsFunc, iface string, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f, err := flags(iface)
		if err != nil {
			return err
		}
		if Ready(f) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrLinkDown, ctx.Err())
		case <-ticker.C:
		}
	}
}
