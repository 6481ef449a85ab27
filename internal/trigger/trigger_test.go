package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "recurd/pkg/logx"

	"recurd/internal/recurrence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type runRecorder struct {
	mu    sync.Mutex
	calls []recurrence.Date
	err   error
	block chan struct{} // if non-nil, Run waits on it
}

func (r *runRecorder) Run(_ context.Context, today recurrence.Date) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.calls = append(r.calls, today)
	err := r.err
	r.mu.Unlock()
	return err
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestTrigger(rec *runRecorder, clock Clock) *Daily {
	d := New(Config{Hour: 4, Recheck: time.Hour}, rec.Run, clock, logx.Nop())
	d.loc = time.UTC
	return d
}

func TestFireBeforeTriggerHourIsNoop(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 3, 59, 0, 0, time.UTC)}
	rec := &runRecorder{}
	d := newTestTrigger(rec, clock)

	d.fire(context.Background())
	if rec.count() != 0 {
		t.Fatalf("run invoked %d times before the trigger hour", rec.count())
	}
}

func TestFireAfterTriggerHourRunsOncePerDay(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 9, 30, 0, 0, time.UTC)}
	rec := &runRecorder{}
	d := newTestTrigger(rec, clock)
	ctx := context.Background()

	d.fire(ctx)
	d.fire(ctx) // safety-net re-check on the same day
	clock.set(time.Date(2024, time.June, 1, 23, 0, 0, 0, time.UTC))
	d.fire(ctx)

	if rec.count() != 1 {
		t.Fatalf("run invoked %d times, want 1 (same-day guard)", rec.count())
	}
	if rec.calls[0].String() != "2024-06-01" {
		t.Fatalf("run got date %s, want 2024-06-01", rec.calls[0])
	}

	// Date rollover re-enables the trigger.
	clock.set(time.Date(2024, time.June, 2, 4, 0, 1, 0, time.UTC))
	d.fire(ctx)
	if rec.count() != 2 {
		t.Fatalf("run invoked %d times after rollover, want 2", rec.count())
	}
	if rec.calls[1].String() != "2024-06-02" {
		t.Fatalf("second run got date %s", rec.calls[1])
	}
}

func TestFailedRunIsRetried(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 5, 0, 0, 0, time.UTC)}
	rec := &runRecorder{err: errors.New("gateway unavailable")}
	d := newTestTrigger(rec, clock)
	ctx := context.Background()

	d.fire(ctx)
	if rec.count() != 1 {
		t.Fatalf("run invoked %d times, want 1", rec.count())
	}

	// The failed day is not marked processed, so the next check retries it.
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	d.fire(ctx)
	if rec.count() != 2 {
		t.Fatalf("failed day not retried: %d calls", rec.count())
	}

	// Now it succeeded, further fires suppress.
	d.fire(ctx)
	if rec.count() != 2 {
		t.Fatalf("same-day guard lost after retry: %d calls", rec.count())
	}
}

func TestInFlightGuardBlocksOverlap(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 6, 0, 0, 0, time.UTC)}
	rec := &runRecorder{block: make(chan struct{})}
	d := newTestTrigger(rec, clock)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		d.fire(ctx)
		close(done)
	}()

	// Wait until the first fire is inside run.
	deadline := time.After(2 * time.Second)
	for {
		d.st.mu.Lock()
		inFlight := d.st.inFlight
		d.st.mu.Unlock()
		if inFlight {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first fire never entered run")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	d.fire(ctx) // must return immediately as a no-op
	close(rec.block)
	<-done

	if rec.count() != 1 {
		t.Fatalf("overlapping fire ran: %d calls", rec.count())
	}
}

func TestUntilNextFire(t *testing.T) {
	t.Parallel()
	d := New(Config{Hour: 4}, func(context.Context, recurrence.Date) error { return nil }, SystemClock{}, logx.Nop())
	d.loc = time.UTC

	// Before the hour: later today.
	now := time.Date(2024, time.June, 1, 1, 0, 0, 0, time.UTC)
	if got := d.untilNextFire(now); got != 3*time.Hour {
		t.Fatalf("untilNextFire = %v, want 3h", got)
	}

	// Exactly at the hour: tomorrow, never zero.
	now = time.Date(2024, time.June, 1, 4, 0, 0, 0, time.UTC)
	if got := d.untilNextFire(now); got != 24*time.Hour {
		t.Fatalf("untilNextFire = %v, want 24h", got)
	}

	// After the hour: tomorrow's instant.
	now = time.Date(2024, time.June, 1, 16, 30, 0, 0, time.UTC)
	if got := d.untilNextFire(now); got != 11*time.Hour+30*time.Minute {
		t.Fatalf("untilNextFire = %v, want 11h30m", got)
	}
}

func TestNormalizeConfig(t *testing.T) {
	t.Parallel()
	cfg := normalize(Config{Hour: -1})
	if cfg.Hour != DefaultHour || cfg.Recheck != DefaultRecheck {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	cfg = normalize(Config{Hour: 24, Recheck: -time.Second})
	if cfg.Hour != DefaultHour || cfg.Recheck != DefaultRecheck {
		t.Fatalf("out-of-range values not normalized: %+v", cfg)
	}
	cfg = normalize(Config{Hour: 0, Recheck: time.Minute})
	if cfg.Hour != 0 || cfg.Recheck != time.Minute {
		t.Fatalf("midnight hour must be preserved: %+v", cfg)
	}
}

func TestStartRunsImmediatelyWhenPastHour(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	rec := &runRecorder{}
	d := New(Config{Hour: 4, Timezone: "UTC", Recheck: time.Hour}, rec.Run, clock, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("activation past the trigger hour did not run immediately")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if rec.calls[0].String() != "2024-06-01" {
		t.Fatalf("immediate run got date %s", rec.calls[0])
	}
}
