package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "recurd/pkg/logx"

	"recurd/internal/record"
	"recurd/internal/recurrence"
)

type fakeSender struct {
	msgs []string
	err  error
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, _ := what.(string)
	f.msgs = append(f.msgs, s)
	return &tele.Message{}, nil
}

func reminderPayment(t *testing.T, id, next string) record.Payment {
	t.Helper()
	d, err := recurrence.ParseDate(next)
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	return record.Payment{
		ID:              id,
		UserID:          "u1",
		Name:            "Netflix",
		Amount:          15.99,
		Category:        "entertainment",
		Direction:       record.Expense,
		Status:          record.StatusActive,
		NextRun:         d,
		ReminderEnabled: true,
	}
}

func newTestService(t *testing.T, sender Sender) *Service {
	t.Helper()
	s, err := New(Config{Enabled: true, ChatID: 42, RatePerSec: 100, DaysAhead: 1}, sender, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRemindUpcomingFiltersAndDedups(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s := newTestService(t, sender)
	today := recurrence.NewDate(2024, time.June, 1)

	due := reminderPayment(t, "pay_due", "2024-06-02")
	far := reminderPayment(t, "pay_far", "2024-06-10")
	silent := reminderPayment(t, "pay_silent", "2024-06-02")
	silent.ReminderEnabled = false
	paused := reminderPayment(t, "pay_paused", "2024-06-01")
	paused.Status = record.StatusPaused

	payments := []record.Payment{due, far, silent, paused}
	if got := s.RemindUpcoming(context.Background(), payments, today); got != 1 {
		t.Fatalf("sent %d reminders, want 1", got)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("sender saw %d messages", len(sender.msgs))
	}

	// Same occurrence again: deduplicated.
	if got := s.RemindUpcoming(context.Background(), payments, today); got != 0 {
		t.Fatalf("duplicate reminder sent: %d", got)
	}

	// A new occurrence for the same payment is reminded again.
	due.NextRun = recurrence.NewDate(2024, time.July, 2)
	if got := s.RemindUpcoming(context.Background(), []record.Payment{due}, recurrence.NewDate(2024, time.July, 1)); got != 1 {
		t.Fatalf("new occurrence not reminded: %d", got)
	}
}

func TestRemindUpcomingDeliveryFailureIsSoft(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{err: errors.New("telegram down")}
	s := newTestService(t, sender)
	today := recurrence.NewDate(2024, time.June, 1)
	p := reminderPayment(t, "pay_due", "2024-06-01")

	if got := s.RemindUpcoming(context.Background(), []record.Payment{p}, today); got != 0 {
		t.Fatalf("failed delivery counted as sent: %d", got)
	}

	// Not marked as sent: retried once the transport recovers.
	sender.err = nil
	if got := s.RemindUpcoming(context.Background(), []record.Payment{p}, today); got != 1 {
		t.Fatalf("reminder not retried after failure: %d", got)
	}
}

func TestRemindUpcomingDisabled(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s, err := New(Config{Enabled: false}, sender, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := reminderPayment(t, "pay_due", "2024-06-01")
	if got := s.RemindUpcoming(context.Background(), []record.Payment{p}, recurrence.NewDate(2024, time.June, 1)); got != 0 {
		t.Fatalf("disabled notifier sent %d reminders", got)
	}
}

func TestPruneDropsPastEntries(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeSender{})
	today := recurrence.NewDate(2024, time.June, 1)

	p := reminderPayment(t, "pay_due", "2024-06-01")
	if got := s.RemindUpcoming(context.Background(), []record.Payment{p}, today); got != 1 {
		t.Fatalf("setup send failed: %d", got)
	}

	s.Prune(recurrence.NewDate(2024, time.June, 2))
	s.mu.Lock()
	n := len(s.sent)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("prune left %d entries", n)
	}
}

func TestNewRequiresTokenWhenEnabled(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Enabled: true}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for enabled notifier without token or sender")
	}
}
