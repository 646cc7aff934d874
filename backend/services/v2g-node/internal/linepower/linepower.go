package linepower

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Switch toggles the line-energize signal of a node.
type Switch interface {
	SetLinePower(ctx context.Context, iface string, mac net.HardwareAddr, enabled bool) error
}

// LogSwitch only records the requested state.
type LogSwitch struct {
	logger *zap.Logger
}

// NewLogSwitch returns switch that logs state changes.
func NewLogSwitch(logger *zap.Logger) *LogSwitch {
	return &LogSwitch{logger: logger}
}

// SetLinePower implements Switch.
func (s *LogSwitch) SetLinePower(_ context.Context, iface string, mac net.HardwareAddr, enabled bool) error {
	s.logger.Info("line power", zap.String("iface", iface), zap.String("mac", mac.String()), zap.Bool("enabled", enabled))
	return nil
}

// FileSwitch writes 1 or 0 to a control file such as a sysfs GPIO value.
type FileSwitch struct {
	Path string
}

// SetLinePower implements Switch.
func (s *FileSwitch) SetLinePower(_ context.Context, _ string, _ net.HardwareAddr, enabled bool) error {
	value := []byte("0")
	if enabled {
		value = []byte("1")
	}
	if err := os.WriteFile(s.Path, value, 0o644); err != nil {
		return fmt.Errorf("linepower: write %s: %w", s.Path, err)
	}
	return nil
}

// Line is the power line of one node. On the EVSE several sessions may hold
// it at once; it stays energized until the last holder drops it.
type Line struct {
	mu        sync.Mutex
	sw        Switch
	iface     string
	mac       net.HardwareAddr
	energized bool
	holders   map[string]struct{}
}

// NewLine binds sw to an interface and node MAC.
func NewLine(sw Switch, iface string, mac net.HardwareAddr) *Line {
	return &Line{sw: sw, iface: iface, mac: mac, holders: make(map[string]struct{})}
}

// Set forces the line on or off and forgets every holder. The recorded state
// only changes when the switch succeeds.
func (l *Line) Set(ctx context.Context, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.holders)
	return l.apply(ctx, enabled)
}

// Hold energizes the line for holder. Only the first holder flips the switch;
// a failed switch leaves holder unregistered.
func (l *Line) Hold(ctx context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.energized {
		if err := l.apply(ctx, true); err != nil {
			return err
		}
	}
	l.holders[holder] = struct{}{}
	return nil
}

// Drop releases holder. The line is switched off once nobody holds it; a
// failed switch is retried by the next Drop.
func (l *Line) Drop(ctx context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holders, holder)
	if len(l.holders) > 0 || !l.energized {
		return nil
	}
	return l.apply(ctx, false)
}

// Holders returns the number of sessions keeping the line energized.
func (l *Line) Holders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

func (l *Line) apply(ctx context.Context, enabled bool) error {
	if err := l.sw.SetLinePower(ctx, l.iface, l.mac, enabled); err != nil {
		return err
	}
	l.energized = enabled
	return nil
}

// Energized reports the last successfully applied state.
func (l *Line) Energized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.energized
}
