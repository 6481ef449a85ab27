package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "recurd/pkg/logx"

	"recurd/internal/record"
	"recurd/internal/recurrence"
)

var ErrDisabled = errors.New("notifier disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
	DaysAhead  int // remind when the next occurrence is within this many days
}

// Sender is the slice of the Telegram bot API the notifier needs.
// *tele.Bot satisfies it.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Service sends best-effort upcoming-payment reminders for records that
// have the reminder flag set. Failures never propagate to the engine; a
// missed reminder costs nothing.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	sender  Sender
	limiter *rate.Limiter

	// sent dedups reminders: payment ID -> occurrence already reminded.
	sent map[string]recurrence.Date
}

// New builds the service. The Telegram bot is only constructed when the
// notifier is enabled and no sender was injected (tests inject a fake).
func New(cfg Config, sender Sender, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, sender: sender, sent: map[string]recurrence.Date{}}
	s.applyLocked(cfg)

	if cfg.Enabled && sender == nil {
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, errors.New("notify.token is required when the notifier is enabled")
		}
		bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		s.sender = bot
	}
	return s, nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DaysAhead <= 0 {
		cfg.DaysAhead = 1
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// RemindUpcoming sends one reminder per payment whose next occurrence
// falls within the configured look-ahead window. Each (payment,
// occurrence) pair is reminded at most once per process lifetime.
// Returns the number of reminders sent.
func (s *Service) RemindUpcoming(ctx context.Context, payments []record.Payment, today recurrence.Date) int {
	s.mu.Lock()
	cfg := s.cfg
	sender := s.sender
	limiter := s.limiter
	s.mu.Unlock()

	if !cfg.Enabled || sender == nil {
		return 0
	}

	horizon := today.AddDays(cfg.DaysAhead)
	sent := 0
	for _, p := range payments {
		if !p.ReminderEnabled || p.Status != record.StatusActive {
			continue
		}
		if p.NextRun.IsZero() || p.NextRun.After(horizon) {
			continue
		}

		s.mu.Lock()
		already := s.sent[p.ID] == p.NextRun
		s.mu.Unlock()
		if already {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return sent
		}
		if _, err := sender.Send(tele.ChatID(cfg.ChatID), reminderText(p)); err != nil {
			s.log.Warn("reminder delivery failed",
				logx.String("payment", p.ID), logx.Err(err))
			continue
		}

		s.mu.Lock()
		s.sent[p.ID] = p.NextRun
		s.mu.Unlock()
		sent++
	}
	if sent > 0 {
		s.log.Info("reminders sent", logx.Int("count", sent))
	}
	return sent
}

func reminderText(p record.Payment) string {
	verb := "due"
	if p.Direction == record.Income {
		verb = "expected"
	}
	name := p.Name
	if name == "" {
		name = p.Category
	}
	return fmt.Sprintf("Upcoming payment: %s (%.2f, %s) %s on %s",
		name, p.Amount, p.Category, verb, p.NextRun)
}

// Prune drops dedup entries whose occurrence is already in the past,
// keeping the map bounded for long-lived sessions.
func (s *Service) Prune(today recurrence.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.sent {
		if d.Before(today) {
			delete(s.sent, id)
		}
	}
}
