// Package sqlstore persists accounts, ledger entries and generation records
// in PostgreSQL or SQLite.
//
// Queries are written once with "?" placeholders and rebound per dialect.
// Ledger transactions are serialized per user: PostgreSQL takes a
// transaction-scoped advisory lock on the user id, SQLite runs on a single
// connection so every transaction is already exclusive.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/kelpejol/creditgate/internal/ledger"
)

// Dialect selects SQL syntax differences.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d Dialect) forUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// Store implements ledger.Store and generation.RecordStore over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     zerolog.Logger
}

// New wraps an open, migrated database.
func New(db *sql.DB, dialect Dialect, logger zerolog.Logger) *Store {
	return &Store{db: db, dialect: dialect, log: logger.With().Str("component", "sqlstore").Logger()}
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, url string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if err := MigratePostgres(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info().Msg("postgres connection established")
	return New(db, Postgres, logger), nil
}

// OpenSQLite opens path (creating its directory), enables WAL and migrates.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	filePath := path
	if i := strings.IndexByte(filePath, '?'); i >= 0 {
		filePath = filePath[:i]
	}
	if filePath != ":memory:" && !strings.HasPrefix(filePath, "file::memory:") {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite allows a single writer anyway, and it makes
	// every transaction exclusive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	_, _ = db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	_, _ = db.ExecContext(ctx, `PRAGMA busy_timeout=5000`)

	if err := MigrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, SQLite, logger), nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the backend in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) q(query string) string { return s.dialect.rebind(query) }

// RunInTx implements ledger.Transactor.
func (s *Store) RunInTx(ctx context.Context, userID string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(fmt.Errorf("begin tx failed: %w", err))
	}
	defer sqlTx.Rollback()

	if s.dialect == Postgres {
		if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return s.classify(fmt.Errorf("lock account: %w", err))
		}
	}

	if err := fn(ctx, &tx{s: s, tx: sqlTx, userID: userID}); err != nil {
		return s.classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.classify(fmt.Errorf("commit failed: %w", err))
	}
	return nil
}

// classify maps driver-level contention errors onto ledger.ErrConflict.
func (s *Store) classify(err error) error {
	if err == nil || errors.Is(err, ledger.ErrConflict) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}

type tx struct {
	s      *Store
	tx     *sql.Tx
	userID string
}

func (t *tx) Account(ctx context.Context) (ledger.Account, bool, error) {
	var (
		a       = ledger.Account{UserID: t.userID}
		updated int64
	)
	err := t.tx.QueryRowContext(ctx, t.s.q(`
		SELECT credit_balance, plan_code, updated_at
		FROM accounts WHERE user_id = ?`), t.userID).Scan(&a.CreditBalance, &a.PlanCode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("read account: %w", err)
	}
	a.UpdatedAt = fromMicros(updated)
	return a, true, nil
}

func (t *tx) PutAccount(ctx context.Context, a ledger.Account) error {
	_, err := t.tx.ExecContext(ctx, t.s.q(`
		INSERT INTO accounts (user_id, credit_balance, plan_code, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			credit_balance = excluded.credit_balance,
			plan_code      = excluded.plan_code,
			updated_at     = excluded.updated_at`),
		t.userID, a.CreditBalance, a.PlanCode, toMicros(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("write account: %w", err)
	}
	return nil
}

func (t *tx) Entry(ctx context.Context, key string) (ledger.Entry, bool, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q(`
		SELECT user_id, idempotency_key, entry_type, amount, reason, status, meta, created_at, reversed_at
		FROM ledger_entries WHERE user_id = ? AND idempotency_key = ?`), t.userID, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

func (t *tx) PutEntry(ctx context.Context, e ledger.Entry) error {
	meta, err := json.Marshal(ledger.EncodeMeta(e.Meta))
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	var reversed sql.NullInt64
	if e.ReversedAt != nil {
		reversed = sql.NullInt64{Int64: toMicros(*e.ReversedAt), Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, t.s.q(`
		INSERT INTO ledger_entries
			(user_id, idempotency_key, entry_type, amount, reason, status, meta, created_at, reversed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, idempotency_key) DO UPDATE SET
			status      = excluded.status,
			reversed_at = excluded.reversed_at`),
		t.userID, e.IdempotencyKey, string(e.Type), e.Amount, e.Reason, string(e.Status),
		string(meta), toMicros(e.CreatedAt), reversed)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e        ledger.Entry
		typ      string
		status   string
		meta     string
		created  int64
		reversed sql.NullInt64
	)
	if err := row.Scan(&e.UserID, &e.IdempotencyKey, &typ, &e.Amount, &e.Reason, &status, &meta, &created, &reversed); err != nil {
		return ledger.Entry{}, err
	}
	e.Type = ledger.EntryType(typ)
	e.Status = ledger.Status(status)
	e.CreatedAt = fromMicros(created)
	if reversed.Valid {
		t := fromMicros(reversed.Int64)
		e.ReversedAt = &t
	}
	var m map[string]string
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m); err != nil {
			return ledger.Entry{}, fmt.Errorf("decode meta of %s: %w", e.IdempotencyKey, err)
		}
	}
	e.Meta = ledger.DecodeMeta(m)
	return e, nil
}

// GetAccount implements ledger.Reader.
func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	var (
		a       = ledger.Account{UserID: userID}
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT credit_balance, plan_code, updated_at FROM accounts WHERE user_id = ?`), userID).
		Scan(&a.CreditBalance, &a.PlanCode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	a.UpdatedAt = fromMicros(updated)
	return a, nil
}

// ListEntries implements ledger.Reader, oldest first.
func (s *Store) ListEntries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id, idempotency_key, entry_type, amount, reason, status, meta, created_at, reversed_at
		FROM ledger_entries WHERE user_id = ?
		ORDER BY created_at, idempotency_key`), userID)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("entries scan failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListAccounts implements ledger.Reader.
func (s *Store) ListAccounts(ctx context.Context, limit int) ([]ledger.Account, error) {
	query := `SELECT user_id, credit_balance, plan_code, updated_at FROM accounts ORDER BY user_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("accounts query failed: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var (
			a       ledger.Account
			updated int64
		)
		if err := rows.Scan(&a.UserID, &a.CreditBalance, &a.PlanCode, &updated); err != nil {
			return nil, fmt.Errorf("accounts scan failed: %w", err)
		}
		a.UpdatedAt = fromMicros(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteEntries implements ledger.Store.
func (s *Store) DeleteEntries(ctx context.Context, userID string) (int, error) {
	var n int64
	err := s.RunInTx(ctx, userID, func(ctx context.Context, lt ledger.Tx) error {
		res, err := lt.(*tx).tx.ExecContext(ctx, s.q(`DELETE FROM ledger_entries WHERE user_id = ?`), userID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

var _ ledger.Store = (*Store)(nil)
