package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kelpejol/creditgate/internal/generation"
)

type records struct {
	mu     sync.Mutex
	byID   map[string]generation.Record
	byTask map[string]string
}

func recKey(uid, id string) string { return uid + "/" + id }

// CreateRecord implements generation.RecordStore.
func (s *Store) CreateRecord(ctx context.Context, rec generation.Record) error {
	s.recs.mu.Lock()
	defer s.recs.mu.Unlock()
	k := recKey(rec.UID, rec.ID)
	if _, ok := s.recs.byID[k]; ok {
		return generation.ErrRecordExists
	}
	s.recs.byID[k] = clone(rec)
	if rec.ProviderTaskID != "" {
		s.recs.byTask[recKey(rec.UID, rec.ProviderTaskID)] = rec.ID
	}
	return nil
}

// GetRecord implements generation.RecordStore.
func (s *Store) GetRecord(ctx context.Context, uid, id string) (generation.Record, error) {
	s.recs.mu.Lock()
	defer s.recs.mu.Unlock()
	rec, ok := s.recs.byID[recKey(uid, id)]
	if !ok {
		return generation.Record{}, generation.ErrRecordNotFound
	}
	return clone(rec), nil
}

// FindByTaskID implements generation.RecordStore.
func (s *Store) FindByTaskID(ctx context.Context, uid, taskID string) (generation.Record, error) {
	s.recs.mu.Lock()
	defer s.recs.mu.Unlock()
	id, ok := s.recs.byTask[recKey(uid, taskID)]
	if !ok {
		return generation.Record{}, generation.ErrRecordNotFound
	}
	return clone(s.recs.byID[recKey(uid, id)]), nil
}

// UpdateRecord implements generation.RecordStore.
func (s *Store) UpdateRecord(ctx context.Context, uid, id string, fn func(*generation.Record) error) (generation.Record, error) {
	s.recs.mu.Lock()
	defer s.recs.mu.Unlock()
	k := recKey(uid, id)
	cur, ok := s.recs.byID[k]
	if !ok {
		return generation.Record{}, generation.ErrRecordNotFound
	}
	next := clone(cur)
	if err := fn(&next); err != nil {
		return clone(cur), err
	}
	next.ID, next.UID = cur.ID, cur.UID
	s.recs.byID[k] = next
	if next.ProviderTaskID != "" {
		s.recs.byTask[recKey(uid, next.ProviderTaskID)] = id
	}
	return clone(next), nil
}

// ListByUser implements generation.RecordStore.
func (s *Store) ListByUser(ctx context.Context, uid string, limit int) ([]generation.Record, error) {
	s.recs.mu.Lock()
	defer s.recs.mu.Unlock()
	var out []generation.Record
	for _, r := range s.recs.byID {
		if r.UID == uid {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListGenerating implements generation.RecordStore, oldest first.
func (s *Store) ListGenerating(ctx context.Context, olderThan time.Time, limit int) ([]generation.Record, error) {
	s.recs.mu.Lock()
	defer s.recs.mu.Unlock()
	var out []generation.Record
	for _, r := range s.recs.byID {
		if r.Status == generation.StatusGenerating && r.CreatedAt.Before(olderThan) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(r generation.Record) generation.Record {
	r.Images = append([]generation.Artifact(nil), r.Images...)
	r.Videos = append([]generation.Artifact(nil), r.Videos...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

var _ generation.RecordStore = (*Store)(nil)
