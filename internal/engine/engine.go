package engine

import (
	"context"
	"errors"
	"fmt"

	logx "recurd/pkg/logx"

	"recurd/internal/record"
	"recurd/internal/recurrence"
)

// ErrStaleCursor is returned by RecordGateway.AdvanceNextRun when the
// stored cursor no longer matches the expected value, meaning another
// writer advanced the record first. The engine stops that record's loop
// without treating it as a failure.
var ErrStaleCursor = errors.New("next run cursor changed underneath")

// RecordGateway provides read/update access to recurring payment records.
type RecordGateway interface {
	ListActive(ctx context.Context, userID string) ([]record.Payment, error)
	// AdvanceNextRun moves the cursor from `from` to `to` only if the stored
	// value still equals `from` (conditional update, see ErrStaleCursor).
	// A zero `from` means the stored cursor was unusable and the write is
	// unconditional (recovery path).
	AdvanceNextRun(ctx context.Context, id string, from, to recurrence.Date) error
	UpdateStatus(ctx context.Context, id string, st record.Status) error
}

// LedgerGateway creates occurrence transactions.
type LedgerGateway interface {
	CreateOccurrence(ctx context.Context, p record.Payment, occurrence recurrence.Date) (string, error)
}

// Report summarizes one Process run.
type Report struct {
	Created   int      // ledger transactions written
	Completed int      // records cancelled because their rule's end date passed
	Failed    []string // IDs of records skipped due to a gateway error
}

// catchUpCap bounds a single record's loop. Rule.Next strictly advances so
// the loop terminates on its own; the cap only protects the batch against a
// pathological cursor decades in the past (10y of daily occurrences).
const catchUpCap = 3660

type Engine struct {
	records RecordGateway
	ledger  LedgerGateway
	log     logx.Logger
}

func New(records RecordGateway, ledger LedgerGateway, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{records: records, ledger: ledger, log: log}
}

// Process materializes every overdue occurrence of the user's active
// payments into ledger transactions, advancing each record's cursor past
// today.
//
// Ordering within a record is create-then-advance: a crash between the two
// writes re-creates that occurrence on the next run rather than silently
// skipping it, and never double-advances the cursor. Calling Process twice
// for the same today is a no-op the second time, because every cursor ends
// strictly in the future.
//
// A failure on one record is logged and does not abort the others; the
// record retries naturally on the next trigger since its cursor did not
// move. Only the initial ListActive failure aborts the whole call.
func (e *Engine) Process(ctx context.Context, userID string, today recurrence.Date) (Report, error) {
	payments, err := e.records.ListActive(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("list active payments: %w", err)
	}

	var rep Report
	for i := range payments {
		p := payments[i]
		created, completed, err := e.processOne(ctx, p, today)
		rep.Created += created
		if completed {
			rep.Completed++
		}
		if err != nil {
			rep.Failed = append(rep.Failed, p.ID)
			e.log.Warn("payment processing failed, skipping",
				logx.String("payment", p.ID),
				logx.Int("created", created),
				logx.Err(err))
		}
	}

	if rep.Created > 0 || rep.Completed > 0 {
		e.log.Info("recurring payments processed",
			logx.String("user", userID),
			logx.String("today", today.String()),
			logx.Int("created", rep.Created),
			logx.Int("completed", rep.Completed),
			logx.Int("failed", len(rep.Failed)))
	}
	return rep, nil
}

func (e *Engine) processOne(ctx context.Context, p record.Payment, today recurrence.Date) (created int, completed bool, err error) {
	cursor := p.NextRun
	if cursor.IsZero() {
		// Unparsable or missing stored cursor: treat the record as due now
		// and rebuild the cursor from today. Never crash the batch over it.
		e.log.Warn("payment has no usable next run date, treating as due today",
			logx.String("payment", p.ID))
		cursor = today
	}

	for n := 0; !cursor.After(today); n++ {
		if err := ctx.Err(); err != nil {
			return created, false, err
		}
		if n >= catchUpCap {
			return created, false, fmt.Errorf("catch-up aborted after %d occurrences", n)
		}

		if p.Rule.Expired(cursor) {
			// The rule ended before this occurrence; retire the record.
			if err := e.records.UpdateStatus(ctx, p.ID, record.StatusCancelled); err != nil {
				return created, false, fmt.Errorf("retire expired payment: %w", err)
			}
			e.log.Info("payment completed its schedule", logx.String("payment", p.ID))
			return created, true, nil
		}

		if _, err := e.ledger.CreateOccurrence(ctx, p, cursor); err != nil {
			return created, false, fmt.Errorf("create occurrence %s: %w", cursor, err)
		}

		next := p.Rule.Next(cursor)
		if err := e.records.AdvanceNextRun(ctx, p.ID, p.NextRun, next); err != nil {
			if errors.Is(err, ErrStaleCursor) {
				// Another session got here first; its advance stands.
				e.log.Warn("cursor advanced elsewhere, yielding",
					logx.String("payment", p.ID),
					logx.String("occurrence", cursor.String()))
				return created, false, nil
			}
			return created, false, fmt.Errorf("advance cursor to %s: %w", next, err)
		}
		created++
		cursor = next
		p.NextRun = next
	}
	return created, false, nil
}
