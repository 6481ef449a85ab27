package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "recurd/pkg/logx"

	"recurd/internal/recurrence"
)

// Clock abstracts time.Now so the trigger is testable with a fake clock.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// RunFunc executes one processing pass for the given calendar date.
type RunFunc func(ctx context.Context, today recurrence.Date) error

type Config struct {
	Hour     int           // wall-clock trigger hour in Timezone (0-23)
	Timezone string        // IANA name; the fixed zone the daily boundary lives in
	Recheck  time.Duration // safety-net re-check interval
}

const (
	DefaultHour    = 4
	DefaultRecheck = time.Hour
)

// state is the session-local scheduler state: explicit owned fields, not
// package globals. lastProcessed is the same-day guard; inFlight is the
// re-entrancy guard. Both timers and the cron line funnel into fire(), so
// a boolean is all the mutual exclusion a single session needs.
type state struct {
	mu            sync.Mutex
	lastProcessed recurrence.Date
	inFlight      bool
}

// Daily decides when to invoke the execution engine: once per calendar day
// in a fixed timezone, only after the configured hour.
//
// Three paths lead to a run, all safe to overlap:
//   - an immediate check on Start (covers activation after the hour),
//   - a precise one-shot timer armed for the next trigger instant,
//   - an hourly cron safety net (covers timers lost to system sleep).
type Daily struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	clock Clock
	run   RunFunc

	st state

	c      *cron.Cron
	timer  *time.Timer
	ctx    context.Context
	stopCh chan struct{}
}

func New(cfg Config, run RunFunc, clock Clock, log logx.Logger) *Daily {
	if clock == nil {
		clock = SystemClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Daily{cfg: normalize(cfg), run: run, clock: clock, log: log}
}

func normalize(cfg Config) Config {
	if cfg.Hour < 0 || cfg.Hour > 23 {
		cfg.Hour = DefaultHour
	}
	if cfg.Recheck <= 0 {
		cfg.Recheck = DefaultRecheck
	}
	return cfg
}

func (d *Daily) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		return
	}
	d.stopCh = make(chan struct{})
	d.ctx = ctx
	d.startLocked()

	// Today may already be past the trigger hour.
	go d.fire(ctx)
}

func (d *Daily) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh == nil {
		return
	}
	close(d.stopCh)
	d.stopCh = nil
	d.stopTimersLocked()
	d.log.Info("daily trigger stopped")
}

// Apply re-arms the trigger under a new config. Safe to call while running;
// a no-op before Start.
func (d *Daily) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg = normalize(cfg)
	changed := cfg != d.cfg
	d.cfg = cfg
	if d.stopCh == nil || !changed {
		return
	}
	d.stopTimersLocked()
	d.startLocked()
	d.log.Info("daily trigger reconfigured",
		logx.Int("hour", cfg.Hour),
		logx.String("tz", d.loc.String()))
}

func (d *Daily) startLocked() {
	d.loc = d.loadLocationLocked()
	ctx := d.ctx

	d.c = cron.New(cron.WithLocation(d.loc))
	// The scheduled daily line plus the safety net. Both re-check the
	// same-day guard, so duplicate wake-ups cost nothing.
	_, _ = d.c.AddFunc(fmt.Sprintf("0 %d * * *", d.cfg.Hour), func() { d.fire(ctx) })
	_, _ = d.c.AddFunc(fmt.Sprintf("@every %s", d.cfg.Recheck), func() { d.fire(ctx) })
	d.c.Start()

	d.armTimerLocked(ctx)
	d.log.Info("daily trigger started",
		logx.Int("hour", d.cfg.Hour),
		logx.String("tz", d.loc.String()),
		logx.Duration("recheck", d.cfg.Recheck))
}

func (d *Daily) stopTimersLocked() {
	if d.c != nil {
		<-d.c.Stop().Done()
		d.c = nil
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// armTimerLocked schedules the precise one-shot wake-up for the next
// occurrence of the trigger hour.
func (d *Daily) armTimerLocked(ctx context.Context) {
	wait := d.untilNextFire(d.clock.Now())
	d.timer = time.AfterFunc(wait, func() {
		d.fire(ctx)
		d.mu.Lock()
		if d.stopCh != nil {
			d.armTimerLocked(ctx)
		}
		d.mu.Unlock()
	})
}

// untilNextFire returns the duration until the next trigger instant
// (today's trigger hour if still ahead, otherwise tomorrow's).
func (d *Daily) untilNextFire(now time.Time) time.Duration {
	now = now.In(d.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), d.cfg.Hour, 0, 0, 0, d.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// fire runs one guarded processing attempt. It is the single funnel for
// every wake-up path.
func (d *Daily) fire(ctx context.Context) {
	d.mu.Lock()
	cfg := d.cfg
	loc := d.loc
	run := d.run
	d.mu.Unlock()
	if loc == nil {
		loc = time.UTC
	}

	now := d.clock.Now().In(loc)
	today := recurrence.DateOf(now)

	if now.Hour() < cfg.Hour {
		return
	}

	d.st.mu.Lock()
	if d.st.lastProcessed == today || d.st.inFlight {
		d.st.mu.Unlock()
		return
	}
	d.st.inFlight = true
	d.st.mu.Unlock()

	err := run(ctx, today)

	d.st.mu.Lock()
	d.st.inFlight = false
	if err == nil {
		// Same-day guard: suppress further triggers until the date rolls
		// over in the trigger timezone.
		d.st.lastProcessed = today
	}
	d.st.mu.Unlock()

	if err != nil {
		// The day stays unmarked so the safety net retries later.
		d.log.Error("daily processing failed, will retry",
			logx.String("today", today.String()),
			logx.Err(err))
	}
}

func (d *Daily) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(d.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		d.log.Warn("invalid timezone, falling back to UTC",
			logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
