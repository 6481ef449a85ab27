package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logx "recurd/pkg/logx"

	"recurd/internal/config"
	"recurd/internal/engine"
	"recurd/internal/notify"
	"recurd/internal/recurrence"
	"recurd/internal/storage"
	"recurd/internal/trigger"
)

// App wires the storage-backed gateways, the execution engine, the daily
// trigger and the reminder notifier, and keeps them in sync with the
// config file.
type App struct {
	cfgm *config.Manager

	logSvc *logx.Service
	log    logx.Logger

	store  *storage.Store
	eng    *engine.Engine
	trig   *trigger.Daily
	notif  *notify.Service
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(validate)

	storageCfg, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storageCfg, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	notif, err := notify.New(mapNotifyConfig(cfg), nil, logSvc.Logger().With(logx.String("comp", "notify")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		logSvc: logSvc,
		log:    log,
		store:  store,
		notif:  notif,
	}
	a.eng = engine.New(store, store, logSvc.Logger().With(logx.String("comp", "engine")))

	trigCfg, err := mapTriggerConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.trig = trigger.New(trigCfg, a.runOnce, trigger.SystemClock{}, logSvc.Logger().With(logx.String("comp", "trigger")))

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.trig.Start(ctx)

	// Hot reload: watch the file and fan committed configs out to the
	// components that can re-apply at runtime.
	sub := a.cfgm.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.apply(cfg)
			}
		}
	}()

	a.log.Info("recurd started")
	return nil
}

func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.trig.Stop()
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("recurd stopped")
	_ = a.logSvc.Close()
}

func (a *App) apply(cfg *config.Config) {
	a.logSvc.Apply(mapLoggingConfig(cfg))
	if trigCfg, err := mapTriggerConfig(cfg); err == nil {
		a.trig.Apply(trigCfg)
	}
	a.notif.Apply(mapNotifyConfig(cfg))
	// Storage path changes require a restart; the validator keeps the
	// committed path stable, so nothing to re-apply here.
	a.log.Info("configuration applied")
}

// runOnce is the trigger's RunFunc: one processing pass over every user
// with stored payments, followed by best-effort reminders.
//
// Any user's failure makes the whole pass fail so the trigger does not
// mark the day processed; re-running is free because Process is
// idempotent for the users that already succeeded.
func (a *App) runOnce(ctx context.Context, today recurrence.Date) error {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	var firstErr error
	total := 0
	for _, user := range users {
		rep, err := a.eng.Process(ctx, user, today)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("user %s: %w", user, err)
			}
			continue
		}
		total += rep.Created
		if len(rep.Failed) > 0 && firstErr == nil {
			firstErr = fmt.Errorf("user %s: %d records failed", user, len(rep.Failed))
		}

		// Reminders ride on the records we already have in hand.
		if payments, err := a.store.ListActive(ctx, user); err == nil {
			a.notif.RemindUpcoming(ctx, payments, today)
		}
	}
	a.notif.Prune(today)

	if total > 0 {
		a.log.Info("daily pass complete",
			logx.String("today", today.String()),
			logx.Int("users", len(users)),
			logx.Int("created", total))
	}
	return firstErr
}

// Store exposes the persistence layer to the host (CLI subcommands, future
// HTTP surface).
func (a *App) Store() *storage.Store { return a.store }

// TriggerNow runs one processing pass immediately, bypassing the trigger
// hour but not the guards. Used by the host's run-once mode.
func (a *App) TriggerNow(ctx context.Context, today recurrence.Date) error {
	return a.runOnce(ctx, today)
}

func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if cfg.Trigger.Hour != nil && (*cfg.Trigger.Hour < 0 || *cfg.Trigger.Hour > 23) {
		return fmt.Errorf("trigger.hour %d out of range", *cfg.Trigger.Hour)
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./data/recurd.db"
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	recheck, err := config.ParseDurationOrDefault("trigger.recheck", cfg.Trigger.Recheck, trigger.DefaultRecheck)
	if err != nil {
		return trigger.Config{}, err
	}
	hour := trigger.DefaultHour
	if cfg.Trigger.Hour != nil {
		hour = *cfg.Trigger.Hour
	}
	return trigger.Config{
		Hour:     hour,
		Timezone: cfg.Trigger.Timezone,
		Recheck:  recheck,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:    cfg.Notify.Enabled,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: cfg.Notify.RatePerSec,
		DaysAhead:  cfg.Notify.DaysAhead,
	}
}
