package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"recurd/internal/recurrence"
)

type Direction string

const (
	Expense Direction = "expense"
	Income  Direction = "income"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

var (
	ErrInvalidPayment = errors.New("invalid recurring payment")
	ErrCancelled      = errors.New("payment is cancelled")
	ErrBadTransition  = errors.New("invalid status transition")
)

// Payment is a stored recurring payment: a recurrence rule plus the
// lifecycle status and the persisted next-run cursor.
//
// NextRun is the authoritative cursor: the earliest occurrence not yet
// materialized into a ledger transaction. It never precedes Rule.Anchor.
type Payment struct {
	ID       string
	UserID   string
	Name     string
	Amount   float64
	Category string

	Direction Direction
	Rule      recurrence.Rule
	Status    Status

	NextRun         recurrence.Date
	ReminderEnabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Input struct {
	UserID          string
	Name            string
	Amount          float64
	Category        string
	Direction       Direction
	Rule            recurrence.Rule
	ReminderEnabled bool
}

// New validates the input and returns an active payment with the cursor
// seeded from the rule. Rule violations (e.g. a custom frequency with no
// weekdays) are rejected here, not deferred to processing.
func New(in Input, now time.Time) (Payment, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Payment{}, fmt.Errorf("%w: user id is required", ErrInvalidPayment)
	}
	if in.Amount <= 0 {
		return Payment{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidPayment)
	}
	dir, err := ParseDirection(string(in.Direction))
	if err != nil {
		return Payment{}, err
	}
	if err := in.Rule.Validate(); err != nil {
		return Payment{}, err
	}

	return Payment{
		UserID:          strings.TrimSpace(in.UserID),
		Name:            strings.TrimSpace(in.Name),
		Amount:          in.Amount,
		Category:        normalizeCategory(in.Category),
		Direction:       dir,
		Rule:            in.Rule,
		Status:          StatusActive,
		NextRun:         in.Rule.First(),
		ReminderEnabled: in.ReminderEnabled,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}, nil
}

func ParseDirection(raw string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(raw))); d {
	case Expense, Income:
		return d, nil
	case "":
		return Expense, nil
	default:
		return "", fmt.Errorf("%w: unsupported direction %q", ErrInvalidPayment, raw)
	}
}

// Pause suspends processing. Only an active payment can be paused.
func (p *Payment) Pause() error {
	switch p.Status {
	case StatusActive:
		p.Status = StatusPaused
		return nil
	case StatusCancelled:
		return ErrCancelled
	default:
		return fmt.Errorf("%w: %s -> paused", ErrBadTransition, p.Status)
	}
}

// Resume re-activates a paused payment. The cursor is left where it was,
// so occurrences missed while paused are caught up on the next run.
func (p *Payment) Resume() error {
	switch p.Status {
	case StatusPaused:
		p.Status = StatusActive
		return nil
	case StatusCancelled:
		return ErrCancelled
	default:
		return fmt.Errorf("%w: %s -> active", ErrBadTransition, p.Status)
	}
}

// Cancel is terminal; a cancelled payment never processes again.
func (p *Payment) Cancel() error {
	if p.Status == StatusCancelled {
		return ErrCancelled
	}
	p.Status = StatusCancelled
	return nil
}

// SetRule replaces the recurrence rule and recomputes the cursor from it.
// A cursor computed under the old rule must never be processed, so the two
// writes happen together.
func (p *Payment) SetRule(r recurrence.Rule) error {
	if p.Status == StatusCancelled {
		return ErrCancelled
	}
	if err := r.Validate(); err != nil {
		return err
	}
	p.Rule = r
	p.NextRun = r.First()
	return nil
}

// LegacyActive mirrors the tri-state status onto the boolean "active" flag
// carried by the old record schema. Paused and cancelled both read as
// inactive there.
func (s Status) LegacyActive() bool { return s == StatusActive }

// StatusFromLegacy maps a stored status string plus the legacy boolean back
// to the canonical enum. Rows written before the tri-state migration have
// an empty status and only the boolean.
func StatusFromLegacy(raw string, active bool) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive
	case StatusPaused:
		return StatusPaused
	case StatusCancelled:
		return StatusCancelled
	}
	if active {
		return StatusActive
	}
	return StatusPaused
}

func normalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return "other"
	}
	return c
}
