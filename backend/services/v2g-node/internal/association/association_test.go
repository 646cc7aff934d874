package association

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

type scriptedAssociator struct {
	failures int
	calls    int
}

func (s *scriptedAssociator) Associate(context.Context, string) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("no matching response")
	}
	return nil
}

func TestCoordinatorLogsEveryAttempt(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	assoc := &scriptedAssociator{failures: 2}
	c := NewCoordinator(assoc, 5, 0, zap.New(core))

	attempt, err := c.Run(context.Background(), "eth1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if attempt.Count != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempt.Count)
	}
	if n := logs.FilterMessage("association attempt").Len(); n != 3 {
		t.Fatalf("expected 3 logged attempts, got %d", n)
	}
	if n := logs.FilterMessage("association attempt failed, trying again").Len(); n != 2 {
		t.Fatalf("expected 2 logged failures, got %d", n)
	}
}

func TestCoordinatorGivesUp(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	assoc := &scriptedAssociator{failures: 100}
	c := NewCoordinator(assoc, 4, time.Millisecond, zap.New(core))

	attempt, err := c.Run(context.Background(), "eth1")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if assoc.calls != 4 || attempt.Count != 4 || attempt.Err == nil {
		t.Fatalf("expected 4 attempts with outcome, got %d calls and %+v", assoc.calls, attempt)
	}
	if n := logs.FilterMessage("association attempt failed, trying again").Len(); n != 3 {
		t.Fatalf("expected 3 retry messages, got %d", n)
	}
	if n := logs.FilterMessage("association attempts exhausted").Len(); n != 1 {
		t.Fatalf("expected one exhausted message, got %d", n)
	}
}

func TestCoordinatorStopsOnCancel(t *testing.T) {
	assoc := &scriptedAssociator{failures: 100}
	c := NewCoordinator(assoc, 10, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempt, err := c.Run(ctx, "eth1")
	if err == nil || attempt.Count != 1 {
		t.Fatalf("expected cancel after first attempt, got %+v %v", attempt, err)
	}
}

func TestLinkAssociatorWaitsForRunningLink(t *testing.T) {
	polls := 0
	a := &LinkAssociator{
		Flags: func(string) (net.Flags, error) {
			polls++
			if polls < 3 {
				return net.FlagUp, nil
			}
			return net.FlagUp | net.FlagRunning, nil
		},
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
	}
	if err := a.Associate(context.Background(), "eth1"); err != nil {
		t.Fatalf("associate: %v", err)
	}
	if polls != 3 {
		t.Fatalf("expected 3 polls, got %d", polls)
	}
}

func TestLinkAssociatorTimesOut(t *testing.T) {
	a := &LinkAssociator{
		Flags:        func(string) (net.Flags, error) { return 0, nil },
		Timeout:      20 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
	err := a.Associate(context.Background(), "eth1")
	if !errors.Is(err, ErrLinkDown) || !v2g.IsTimeout(err) {
		t.Fatalf("expected link-down timeout, got %v", err)
	}
}

func TestSettlePollReturnsWhenReady(t *testing.T) {
	start := time.Now()
	ready := func(string) (net.Flags, error) { return net.FlagUp | net.FlagRunning, nil }
	if err := Settle(context.Background(), SettlePoll, 5*time.Second, ready, "eth1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("poll settle should not wait for the full delay")
	}
}

func TestSettleRejectsUnknownMode(t *testing.T) {
	if err := Settle(context.Background(), "guess", time.Millisecond, nil, "eth1"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
