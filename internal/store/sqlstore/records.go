package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/pricing"
)

const recordColumns = `id, uid, status, provider, provider_task_id, model, prompt, image_url, params,
	estimated_cost, billed_credits, images, videos, error, failure_kind, created_at, updated_at, completed_at`

// CreateRecord implements generation.RecordStore.
func (s *Store) CreateRecord(ctx context.Context, rec generation.Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO generation_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return generation.ErrRecordExists
		}
		return fmt.Errorf("insert generation record: %w", err)
	}
	return nil
}

// GetRecord implements generation.RecordStore.
func (s *Store) GetRecord(ctx context.Context, uid, id string) (generation.Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+`
		FROM generation_records WHERE uid = ? AND id = ?`), uid, id)
	return scanRecordRow(row)
}

// FindByTaskID implements generation.RecordStore.
func (s *Store) FindByTaskID(ctx context.Context, uid, taskID string) (generation.Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+`
		FROM generation_records WHERE uid = ? AND provider_task_id = ?
		ORDER BY created_at DESC LIMIT 1`), uid, taskID)
	return scanRecordRow(row)
}

// UpdateRecord implements generation.RecordStore. The row is locked for the
// duration of fn on PostgreSQL; SQLite transactions are already exclusive.
func (s *Store) UpdateRecord(ctx context.Context, uid, id string, fn func(*generation.Record) error) (generation.Record, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generation.Record{}, fmt.Errorf("begin tx failed: %w", err)
	}
	defer sqlTx.Rollback()

	cur, err := scanRecordRow(sqlTx.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+`
		FROM generation_records WHERE uid = ? AND id = ?`+s.dialect.forUpdate()), uid, id))
	if err != nil {
		return generation.Record{}, err
	}

	next := cur
	next.Images = append([]generation.Artifact(nil), cur.Images...)
	next.Videos = append([]generation.Artifact(nil), cur.Videos...)
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.ID, next.UID = cur.ID, cur.UID

	args, err := recordArgs(next)
	if err != nil {
		return cur, err
	}
	// Skip id and uid, then append them for the WHERE clause.
	args = append(args[2:], next.UID, next.ID)
	_, err = sqlTx.ExecContext(ctx, s.q(`UPDATE generation_records SET
		status = ?, provider = ?, provider_task_id = ?, model = ?, prompt = ?, image_url = ?, params = ?,
		estimated_cost = ?, billed_credits = ?, images = ?, videos = ?, error = ?, failure_kind = ?,
		created_at = ?, updated_at = ?, completed_at = ?
		WHERE uid = ? AND id = ?`), args...)
	if err != nil {
		return cur, fmt.Errorf("update generation record: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return cur, fmt.Errorf("commit failed: %w", err)
	}
	return next, nil
}

// ListByUser implements generation.RecordStore, newest first.
func (s *Store) ListByUser(ctx context.Context, uid string, limit int) ([]generation.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+recordColumns+`
		FROM generation_records WHERE uid = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), uid, limit)
	if err != nil {
		return nil, fmt.Errorf("records query failed: %w", err)
	}
	return scanRecords(rows)
}

// ListGenerating implements generation.RecordStore, oldest first.
func (s *Store) ListGenerating(ctx context.Context, olderThan time.Time, limit int) ([]generation.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+recordColumns+`
		FROM generation_records WHERE status = ? AND created_at < ?
		ORDER BY created_at LIMIT ?`), string(generation.StatusGenerating), toMicros(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("generating records query failed: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]generation.Record, error) {
	defer rows.Close()
	var out []generation.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("records scan failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecordRow(row *sql.Row) (generation.Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generation.Record{}, generation.ErrRecordNotFound
	}
	return rec, err
}

func scanRecord(row scanner) (generation.Record, error) {
	var (
		rec                    generation.Record
		status, failure        string
		params, images, videos string
		created, updated       int64
		completed              sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.UID, &status, &rec.Provider, &rec.ProviderTaskID, &rec.Model,
		&rec.Prompt, &rec.ImageURL, &params, &rec.EstimatedCost, &rec.BilledCredits,
		&images, &videos, &rec.Error, &failure, &created, &updated, &completed)
	if err != nil {
		return generation.Record{}, err
	}
	rec.Status = generation.Status(status)
	rec.FailureKind = generation.FailureKind(failure)
	rec.CreatedAt = fromMicros(created)
	rec.UpdatedAt = fromMicros(updated)
	if completed.Valid {
		t := fromMicros(completed.Int64)
		rec.CompletedAt = &t
	}
	var p pricing.Params
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return generation.Record{}, fmt.Errorf("decode params of %s: %w", rec.ID, err)
	}
	rec.Params = p
	if err := json.Unmarshal([]byte(images), &rec.Images); err != nil {
		return generation.Record{}, fmt.Errorf("decode images of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(videos), &rec.Videos); err != nil {
		return generation.Record{}, fmt.Errorf("decode videos of %s: %w", rec.ID, err)
	}
	return rec, nil
}

func recordArgs(rec generation.Record) ([]any, error) {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return nil, err
	}
	images, err := marshalArtifacts(rec.Images)
	if err != nil {
		return nil, err
	}
	videos, err := marshalArtifacts(rec.Videos)
	if err != nil {
		return nil, err
	}
	var completed sql.NullInt64
	if rec.CompletedAt != nil {
		completed = sql.NullInt64{Int64: toMicros(*rec.CompletedAt), Valid: true}
	}
	return []any{
		rec.ID, rec.UID, string(rec.Status), rec.Provider, rec.ProviderTaskID, rec.Model,
		rec.Prompt, rec.ImageURL, string(params), rec.EstimatedCost, rec.BilledCredits,
		images, videos, rec.Error, string(rec.FailureKind),
		toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt), completed,
	}, nil
}

func marshalArtifacts(a []generation.Artifact) (string, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}

var _ generation.RecordStore = (*Store)(nil)
