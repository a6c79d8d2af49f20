// Package memory is an in-process store for tests and single-node
// development. Transactions for one user are serialized by a per-user lock
// and their writes are buffered until commit.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/ledger"
)

// Store implements ledger.Store and generation.RecordStore.
type Store struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	accounts map[string]ledger.Account
	entries  map[string]map[string]ledger.Entry
	order    map[string][]string

	recs records

	faultMu sync.Mutex
	fault   func(userID string) error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		locks:    map[string]*sync.Mutex{},
		accounts: map[string]ledger.Account{},
		entries:  map[string]map[string]ledger.Entry{},
		order:    map[string][]string{},
		recs:     records{byID: map[string]generation.Record{}, byTask: map[string]string{}},
	}
}

// SetTxFault makes RunInTx fail with the returned error whenever fn returns
// non-nil. Pass nil to clear it.
func (s *Store) SetTxFault(fn func(userID string) error) {
	s.faultMu.Lock()
	s.fault = fn
	s.faultMu.Unlock()
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

type tx struct {
	s       *Store
	userID  string
	account *ledger.Account
	entries map[string]ledger.Entry
	keys    []string
}

func (t *tx) Account(ctx context.Context) (ledger.Account, bool, error) {
	if t.account != nil {
		return *t.account, true, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.accounts[t.userID]
	return a, ok, nil
}

func (t *tx) PutAccount(ctx context.Context, a ledger.Account) error {
	a.UserID = t.userID
	t.account = &a
	return nil
}

func (t *tx) Entry(ctx context.Context, key string) (ledger.Entry, bool, error) {
	if e, ok := t.entries[key]; ok {
		return e, true, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	e, ok := t.s.entries[t.userID][key]
	return e, ok, nil
}

func (t *tx) PutEntry(ctx context.Context, e ledger.Entry) error {
	e.UserID = t.userID
	// Round-trip meta through its storage form like the SQL backends do.
	e.Meta = ledger.DecodeMeta(ledger.EncodeMeta(e.Meta))
	if _, ok := t.entries[e.IdempotencyKey]; !ok {
		t.keys = append(t.keys, e.IdempotencyKey)
	}
	t.entries[e.IdempotencyKey] = e
	return nil
}

// RunInTx implements ledger.Transactor.
func (s *Store) RunInTx(ctx context.Context, userID string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.faultMu.Lock()
	fault := s.fault
	s.faultMu.Unlock()
	if fault != nil {
		if err := fault(userID); err != nil {
			return err
		}
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{s: s, userID: userID, entries: map[string]ledger.Entry{}}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.account != nil {
		s.accounts[userID] = *t.account
	}
	if len(t.entries) > 0 {
		m := s.entries[userID]
		if m == nil {
			m = map[string]ledger.Entry{}
			s.entries[userID] = m
		}
		for _, k := range t.keys {
			if _, exists := m[k]; !exists {
				s.order[userID] = append(s.order[userID], k)
			}
			m[k] = t.entries[k]
		}
	}
	return nil
}

// GetAccount implements ledger.Reader.
func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

// ListEntries returns entries in insertion order.
func (s *Store) ListEntries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.order[userID]
	out := make([]ledger.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[userID][k])
	}
	return out, nil
}

// ListAccounts returns accounts ordered by user id.
func (s *Store) ListAccounts(ctx context.Context, limit int) ([]ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteEntries implements ledger.Store.
func (s *Store) DeleteEntries(ctx context.Context, userID string) (int, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries[userID])
	delete(s.entries, userID)
	delete(s.order, userID)
	return n, nil
}

var _ ledger.Store = (*Store)(nil)
