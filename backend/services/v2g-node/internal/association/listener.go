package association

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LinkListener watches the link on the EVSE side and logs readiness changes.
type LinkListener struct {
	Flags    FlagsFunc
	Interval time.Duration
	logger   *zap.Logger
}

// NewLinkListener returns listener.
func NewLinkListener(logger *zap.Logger) *LinkListener {
	return &LinkListener{Flags: InterfaceFlags, Interval: time.Second, logger: logger}
}

// Listen starts watching iface in the background and returns immediately.
func (l *LinkListener) Listen(ctx context.Context, iface string) {
	go l.watch(ctx, iface)
}

func (l *LinkListener) watch(ctx context.Context, iface string) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	var known, ready bool
	for {
		flags, err := l.Flags(iface)
		now := err == nil && Ready(flags)
		if !known || now != ready {
			l.logger.Info("link state", zap.String("iface", iface), zap.Bool("ready", now), zap.Error(err))
			known, ready = true, now
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
