package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// waitTimer blocks until the scheduler has armed its next timer.
func waitTimer(t *testing.T, c *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal("scheduler never armed a timer")
	}
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	if _, err := New(Options{Name: "x"}, zerolog.Nop()); err == nil {
		t.Fatal("zero interval must be rejected")
	}
}

func TestRunTicksOnVirtualClock(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 30, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	sched, err := New(Options{Name: "binance", Interval: time.Minute, AlignToStart: true, Clock: clock}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time, 8)
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(_ context.Context, tick time.Time) error {
			ticks <- tick
			return nil
		})
	}()

	waitTimer(t, clock)
	clock.Advance(30 * time.Second)
	if got := <-ticks; !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("first aligned tick = %s", got)
	}

	waitTimer(t, clock)
	clock.Advance(time.Minute)
	if got := <-ticks; !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("second tick = %s", got)
	}

	waitTimer(t, clock)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run should return context.Canceled, got %v", err)
	}
}

func TestRunSurvivesErrorsAndPanics(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	sched, err := New(Options{Name: "bybit", Interval: 20 * time.Second, RunImmediately: true, Clock: clock}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan int, 8)
	n := 0
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(context.Context, time.Time) error {
			n++
			calls <- n
			switch n {
			case 1:
				return errors.New("boom")
			case 2:
				panic("kaboom")
			}
			return nil
		})
	}()

	if got := <-calls; got != 1 {
		t.Fatalf("immediate tick expected, got call %d", got)
	}
	waitTimer(t, clock)
	clock.Advance(20 * time.Second)
	if got := <-calls; got != 2 {
		t.Fatalf("second call = %d", got)
	}
	waitTimer(t, clock)
	clock.Advance(20 * time.Second)
	if got := <-calls; got != 3 {
		t.Fatalf("loop should survive a panic, got call %d", got)
	}

	waitTimer(t, clock)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunDoesNotLogShutdownAsFailure(t *testing.T) {
	logs := &syncBuffer{}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	sched, err := New(Options{Name: "binance", Interval: time.Minute, RunImmediately: true, Clock: clock}, zerolog.New(logs))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run should return context.Canceled, got %v", err)
	}
	if strings.Contains(logs.String(), "tick execution failed") {
		t.Fatalf("关闭时不应记录错误日志: %s", logs.String())
	}
}

func TestRunLogsTickFailures(t *testing.T) {
	logs := &syncBuffer{}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	sched, err := New(Options{Name: "bybit", Interval: time.Minute, RunImmediately: true, Clock: clock}, zerolog.New(logs))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = sched.Run(ctx, func(context.Context, time.Time) error {
		defer cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error %v", err)
	}
	if !strings.Contains(logs.String(), "tick execution failed") {
		t.Fatalf("普通错误应记录日志: %s", logs.String())
	}
}
