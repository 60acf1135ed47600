package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// instantTimer fires immediately and records requested waits.
type instantTimer struct {
	c     chan time.Time
	waits []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c <- time.Now()
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Backoff: Constant(5 * time.Second), Timer: timer}, func(attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(timer.waits) != 0 {
		t.Fatalf("no wait expected, got %v", timer.waits)
	}
}

func TestDo_RetriesUpToAttempts(t *testing.T) {
	timer := newInstantTimer()
	var seen []int
	boom := errors.New("boom")
	err := Do(context.Background(), Policy{Attempts: 3, Backoff: Constant(5 * time.Second), Timer: timer}, func(attempt int) error {
		seen = append(seen, attempt)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected attempts: %v", seen)
	}
	if len(timer.waits) != 2 {
		t.Fatalf("expected 2 waits between 3 attempts, got %v", timer.waits)
	}
	for _, w := range timer.waits {
		if w != 5*time.Second {
			t.Fatalf("constant backoff should wait 5s, got %v", w)
		}
	}
}

func TestDo_StopsOnSuccess(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Timer: timer}, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on 2nd attempt, got err=%v calls=%d", err, calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	gone := errors.New("gone")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Timer: newInstantTimer()}, func(int) error {
		calls++
		return Permanent(gone)
	})
	if !errors.Is(err, gone) {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not retry, got %d calls", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(int) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Policy{Attempts: 3, Timer: newInstantTimer()}, func(int) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("fn must not run on a cancelled context, got %d calls", calls)
	}
}

func TestDo_OnRetry(t *testing.T) {
	var notified []int
	_ = Do(context.Background(), Policy{
		Attempts: 3,
		Backoff:  Constant(time.Second),
		Timer:    newInstantTimer(),
		OnRetry: func(attempt int, err error, wait time.Duration) {
			notified = append(notified, attempt)
		},
	}, func(int) error { return errors.New("x") })
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Fatalf("unexpected notifications: %v", notified)
	}
}

func TestExponential_Doubles(t *testing.T) {
	b := Exponential(time.Second, 3*time.Second)
	b.Reset()
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("step %d: expected %v, got %v", i, w, got)
		}
	}
}
