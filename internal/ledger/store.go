package ledger

import "context"

// Tx is the read/write set of one transaction, scoped to a single user's
// account document and ledger sub-collection. Writes become visible only
// when the enclosing RunInTx commits.
type Tx interface {
	Account(ctx context.Context) (Account, bool, error)
	PutAccount(ctx context.Context, acct Account) error
	Entry(ctx context.Context, key string) (Entry, bool, error)
	PutEntry(ctx context.Context, e Entry) error
}

// Transactor runs fn atomically. Concurrent transactions for the same user
// must be serialized (or fail with ErrConflict) so that only one of them can
// observe a given ledger key as absent.
type Transactor interface {
	RunInTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
}

// Reader exposes non-transactional reads.
type Reader interface {
	GetAccount(ctx context.Context, userID string) (Account, error)
	ListEntries(ctx context.Context, userID string) ([]Entry, error)
	ListAccounts(ctx context.Context, limit int) ([]Account, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	Transactor
	Reader
	// DeleteEntries removes a user's ledger sub-collection. Migration use only.
	DeleteEntries(ctx context.Context, userID string) (int, error)
}

// RunTx is a typed wrapper around Transactor.RunInTx.
func RunTx[T any](ctx context.Context, t Transactor, userID string, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := t.RunInTx(ctx, userID, func(ctx context.Context, tx Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
