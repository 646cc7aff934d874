package association

import (
	"context"
	"fmt"
	"time"
)

// Settle modes.
const (
	SettleFixed = "fixed"
	SettlePoll  = "poll"
)

// Settle waits for the network to form after association. Fixed mode sleeps
// for delay; poll mode returns as soon as the link is ready, bounded by delay.
func Settle(ctx context.Context, mode string, delay time.Duration, flags FlagsFunc, iface string) error {
	switch mode {
	case "", SettleFixed:
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case SettlePoll:
		pollCtx, cancel := context.WithTimeout(ctx, delay)
		defer cancel()
		if err := waitReady(pollCtx, flags, iface, defaultPollInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// not ready within delay; continue as the fixed mode would
			return nil
		}
		return nil
	default:
		return fmt.Errorf("association: unknown settle mode %q", mode)
	}
}
