package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "recurd/pkg/logx"

	"recurd/internal/engine"
	"recurd/internal/record"
	"recurd/internal/recurrence"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Store is the SQLite persistence backend. It implements both gateway
// interfaces the engine depends on (engine.RecordGateway and
// engine.LedgerGateway) plus the CRUD the host exposes.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

var (
	_ engine.RecordGateway = (*Store)(nil)
	_ engine.LedgerGateway = (*Store)(nil)
)

func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- payments ----

// CreatePayment inserts a new payment. If p.ID is empty an ID is assigned
// and written back.
func (s *Store) CreatePayment(ctx context.Context, p *record.Payment) error {
	if p.ID == "" {
		p.ID = newID("pay")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments(id, user_id, name, amount, category, direction,
		                      frequency, anchor_date, weekdays, end_date,
		                      status, active, next_run_date, reminder,
		                      created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Name, p.Amount, p.Category, string(p.Direction),
		string(p.Rule.Frequency), p.Rule.Anchor.String(), p.Rule.Weekdays.String(), dateOrEmpty(p.Rule.End),
		string(p.Status), boolInt(p.Status.LegacyActive()), p.NextRun.String(), boolInt(p.ReminderEnabled),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetPayment(ctx context.Context, id string) (record.Payment, error) {
	row := s.db.QueryRowContext(ctx, paymentSelect+` WHERE id = ?`, id)
	p, err := s.scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Payment{}, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *Store) ListPayments(ctx context.Context, userID string) ([]record.Payment, error) {
	return s.queryPayments(ctx, paymentSelect+` WHERE user_id = ? ORDER BY created_at`, userID)
}

// ListActive returns the user's payments eligible for processing.
func (s *Store) ListActive(ctx context.Context, userID string) ([]record.Payment, error) {
	// Both status representations are honored on read: pre-migration rows
	// carry an empty status and only the legacy boolean.
	return s.queryPayments(ctx,
		paymentSelect+` WHERE user_id = ? AND ((status = '' AND active = 1) OR status = ?) ORDER BY created_at`,
		userID, string(record.StatusActive))
}

// ListUsers returns every user with at least one stored payment.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM payments ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AdvanceNextRun implements the engine's conditional cursor update. The
// WHERE clause on the old value is the cross-session mutual exclusion: if
// another writer advanced first, zero rows match and ErrStaleCursor is
// returned. A zero `from` (recovery from an unusable stored cursor) writes
// unconditionally.
func (s *Store) AdvanceNextRun(ctx context.Context, id string, from, to recurrence.Date) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		res sql.Result
		err error
	)
	if from.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE payments SET next_run_date = ?, updated_at = ? WHERE id = ?`,
			to.String(), now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE payments SET next_run_date = ?, updated_at = ? WHERE id = ? AND next_run_date = ?`,
			to.String(), now, id, from.String())
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if from.IsZero() {
			return fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return engine.ErrStaleCursor
	}
	return nil
}

// UpdateStatus writes the canonical status and keeps the legacy boolean
// mirror in sync on every write.
func (s *Store) UpdateStatus(ctx context.Context, id string, st record.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, active = ?, updated_at = ? WHERE id = ?`,
		string(st), boolInt(st.LegacyActive()), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateRule replaces the rule columns and the cursor together, so a stale
// cursor computed under the old rule is never left behind.
func (s *Store) UpdateRule(ctx context.Context, id string, r recurrence.Rule, next recurrence.Date) error {
	if err := r.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET frequency = ?, anchor_date = ?, weekdays = ?, end_date = ?,
		                     next_run_date = ?, updated_at = ?
		 WHERE id = ?`,
		string(r.Frequency), r.Anchor.String(), r.Weekdays.String(), dateOrEmpty(r.End),
		next.String(), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeletePayment cancels the record rather than removing the row, so
// transactions keep a resolvable back-reference.
func (s *Store) DeletePayment(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, record.StatusCancelled)
}

const paymentSelect = `SELECT id, user_id, name, amount, category, direction,
       frequency, anchor_date, weekdays, end_date,
       status, active, next_run_date, reminder, created_at, updated_at
FROM payments`

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]record.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPayment(row rowScanner) (record.Payment, error) {
	var (
		p                          record.Payment
		direction, frequency       string
		anchorRaw, weekdaysRaw     string
		endRaw, statusRaw, nextRaw string
		active, reminder           int
		createdRaw, updatedRaw     string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Amount, &p.Category, &direction,
		&frequency, &anchorRaw, &weekdaysRaw, &endRaw,
		&statusRaw, &active, &nextRaw, &reminder, &createdRaw, &updatedRaw)
	if err != nil {
		return record.Payment{}, err
	}

	p.Direction, _ = record.ParseDirection(direction)
	p.Status = record.StatusFromLegacy(statusRaw, active != 0)
	p.ReminderEnabled = reminder != 0

	p.Rule.Frequency = recurrence.Frequency(frequency)
	if p.Rule.Anchor, err = recurrence.ParseDate(anchorRaw); err != nil {
		return record.Payment{}, fmt.Errorf("payment %s: anchor: %w", p.ID, err)
	}
	if p.Rule.Weekdays, err = recurrence.ParseWeekdaySet(weekdaysRaw); err != nil {
		return record.Payment{}, fmt.Errorf("payment %s: weekdays: %w", p.ID, err)
	}
	if endRaw != "" {
		if p.Rule.End, err = recurrence.ParseDate(endRaw); err != nil {
			return record.Payment{}, fmt.Errorf("payment %s: end date: %w", p.ID, err)
		}
	}

	// A corrupt cursor is not fatal: the zero Date tells the engine to
	// treat the record as due now and rebuild it.
	if p.NextRun, err = recurrence.ParseDate(nextRaw); err != nil {
		s.log.Warn("unparsable next run date",
			logx.String("payment", p.ID), logx.String("raw", nextRaw))
		p.NextRun = recurrence.Date{}
	}

	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)
	return p, nil
}

// ---- transactions ----

// Transaction is a ledger entry. Machine-generated occurrences carry
// AutoGenerated plus the originating payment ID, distinguishing them from
// manually entered entries.
type Transaction struct {
	ID            string
	UserID        string
	PaymentID     string
	Amount        float64
	Category      string
	Direction     record.Direction
	Note          string
	Date          recurrence.Date
	AutoGenerated bool
	CreatedAt     time.Time
}

// CreateOccurrence implements engine.LedgerGateway. The transaction is
// dated at the occurrence, not at the insert time.
func (s *Store) CreateOccurrence(ctx context.Context, p record.Payment, occurrence recurrence.Date) (string, error) {
	id := newID("txn")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions(id, user_id, payment_id, amount, category, direction,
		                          note, txn_date, auto_generated, created_at)
		 VALUES(?,?,?,?,?,?,?,?,1,?)`,
		id, p.UserID, p.ID, p.Amount, p.Category, string(p.Direction),
		p.Name, occurrence.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListTransactions returns the user's ledger entries in date order, most
// recent first. from/to are inclusive bounds; either may be zero.
func (s *Store) ListTransactions(ctx context.Context, userID string, from, to recurrence.Date) ([]Transaction, error) {
	query := `SELECT id, user_id, payment_id, amount, category, direction,
	                 note, txn_date, auto_generated, created_at
	          FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if !from.IsZero() {
		query += ` AND txn_date >= ?`
		args = append(args, from.String())
	}
	if !to.IsZero() {
		query += ` AND txn_date <= ?`
		args = append(args, to.String())
	}
	query += ` ORDER BY txn_date DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t          Transaction
			direction  string
			dateRaw    string
			auto       int
			createdRaw string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.PaymentID, &t.Amount, &t.Category, &direction,
			&t.Note, &dateRaw, &auto, &createdRaw); err != nil {
			return nil, err
		}
		t.Direction, _ = record.ParseDirection(direction)
		t.AutoGenerated = auto != 0
		if t.Date, err = recurrence.ParseDate(dateRaw); err != nil {
			return nil, fmt.Errorf("transaction %s: date: %w", t.ID, err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- helpers ----

func newID(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(b)
}

func dateOrEmpty(d recurrence.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
