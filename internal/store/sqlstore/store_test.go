package sqlstore_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/pricing"
	"github.com/kelpejol/creditgate/internal/store/sqlstore"
)

func openSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "creditgate.db")
	s, err := sqlstore.OpenSQLite(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// openPostgres needs a disposable database in CREDITGATE_TEST_POSTGRES_URL.
func openPostgres(t *testing.T) *sqlstore.Store {
	t.Helper()
	url := os.Getenv("CREDITGATE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CREDITGATE_TEST_POSTGRES_URL not set")
	}
	s, err := sqlstore.OpenPostgres(context.Background(), url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func backends() map[string]func(*testing.T) *sqlstore.Store {
	return map[string]func(*testing.T) *sqlstore.Store{
		"sqlite":   openSQLite,
		"postgres": openPostgres,
	}
}

// steppingClock advances a millisecond per call so entry order is stable.
func steppingClock() func() time.Time {
	var (
		mu sync.Mutex
		t  = time.Now().UTC().Truncate(time.Millisecond)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestLedgerOverSQL(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			uid := "user-" + name + "-" + time.Now().Format("150405.000000")
			e := ledger.NewEngine(s, zerolog.Nop(), ledger.WithClock(steppingClock()))

			_, err := e.GrantAndSetPlan(ctx, uid, "sub-1", 100, "pro", "plan_purchase", ledger.PlanMeta{PlanCode: "pro", Source: "stripe"})
			require.NoError(t, err)

			meta := ledger.VeoMeta{
				PriceRef:        ledger.PriceRef{Provider: "fal", Model: "veo3-fast", SKU: "Veo 720p", PricingVersion: "v1"},
				DurationSeconds: 8,
				Resolution:      "720p",
				Audio:           true,
			}
			out, err := e.DebitIfAbsent(ctx, uid, "gen-1", 30, "generation", meta)
			require.NoError(t, err)
			assert.Equal(t, ledger.Written, out)
			out, err = e.DebitIfAbsent(ctx, uid, "gen-1", 30, "generation", meta)
			require.NoError(t, err)
			assert.Equal(t, ledger.Skipped, out)

			acct, err := e.GetAccount(ctx, uid)
			require.NoError(t, err)
			assert.Equal(t, int64(70), acct.CreditBalance)
			assert.Equal(t, "pro", acct.PlanCode)

			entries, err := e.Entries(ctx, uid)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, meta, entries[1].Meta)
			assert.Equal(t, ledger.PlanMeta{PlanCode: "pro", Source: "stripe"}, entries[0].Meta)

			_, err = e.ReverseEntry(ctx, uid, "gen-1")
			require.NoError(t, err)
			entries, err = e.Entries(ctx, uid)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusReversed, entries[1].Status)
			assert.NotNil(t, entries[1].ReversedAt)

			rec, err := e.ReconcileBalance(ctx, uid)
			require.NoError(t, err)
			assert.Equal(t, int64(100), rec.CalculatedBalance)
			assert.Equal(t, int64(100), rec.LiveBalance)

			n, err := e.ClearLedger(ctx, uid)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestConcurrentDebitOverSQL(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			uid := "conc-" + name + "-" + time.Now().Format("150405.000000")
			e := ledger.NewEngine(s, zerolog.Nop(), ledger.WithTxTimeout(30*time.Second))

			_, err := e.GrantIncrement(ctx, uid, "seed", 100, "topup", nil)
			require.NoError(t, err)

			var wg sync.WaitGroup
			results := make(chan ledger.Outcome, 10)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					out, err := e.DebitIfAbsent(ctx, uid, "gen-x", 31, "generation", nil)
					if assert.NoError(t, err) {
						results <- out
					}
				}()
			}
			wg.Wait()
			close(results)

			written := 0
			for out := range results {
				if out == ledger.Written {
					written++
				}
			}
			assert.Equal(t, 1, written)

			acct, err := e.GetAccount(ctx, uid)
			require.NoError(t, err)
			assert.Equal(t, int64(69), acct.CreditBalance)
		})
	}
}

func TestRecordsOverSQL(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := generation.Record{
		ID:            "rec-1",
		UID:           "u1",
		Status:        generation.StatusGenerating,
		Provider:      "fal",
		Model:         "kling-v2.5-turbo-pro",
		Prompt:        "waves",
		Params:        pricing.Params{Kind: "t2v", Duration: "5s"},
		EstimatedCost: 31,
		CreatedAt:     now.Add(-time.Hour),
		UpdatedAt:     now.Add(-time.Hour),
	}
	require.NoError(t, s.CreateRecord(ctx, rec))
	assert.ErrorIs(t, s.CreateRecord(ctx, rec), generation.ErrRecordExists)

	_, err := s.UpdateRecord(ctx, "u1", "rec-1", func(r *generation.Record) error {
		r.ProviderTaskID = "task-1"
		return nil
	})
	require.NoError(t, err)

	got, err := s.FindByTaskID(ctx, "u1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.ID)
	assert.Equal(t, rec.Params, got.Params)
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)

	stale, err := s.ListGenerating(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	updated, err := s.UpdateRecord(ctx, "u1", "rec-1", func(r *generation.Record) error {
		r.Status = generation.StatusCompleted
		r.Videos = []generation.Artifact{{SourceURL: "https://fal/x.mp4", URL: "https://m/x.mp4", StorageKey: "x.mp4"}}
		r.CompletedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCompleted, updated.Status)

	cur, err := s.UpdateRecord(ctx, "u1", "rec-1", func(r *generation.Record) error {
		return generation.ErrTerminal
	})
	assert.ErrorIs(t, err, generation.ErrTerminal)
	assert.Equal(t, generation.StatusCompleted, cur.Status)

	got, err = s.GetRecord(ctx, "u1", "rec-1")
	require.NoError(t, err)
	require.Len(t, got.Videos, 1)
	assert.Equal(t, "x.mp4", got.Videos[0].StorageKey)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, now, *got.CompletedAt)

	stale, err = s.ListGenerating(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	list, err := s.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetRecord(ctx, "u2", "rec-1")
	assert.ErrorIs(t, err, generation.ErrRecordNotFound)
}

func TestListAccounts(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	e := ledger.NewEngine(s, zerolog.Nop())

	for _, uid := range []string{"b", "a", "c"} {
		_, err := e.GrantIncrement(ctx, uid, "g", 1, "topup", nil)
		require.NoError(t, err)
	}
	accts, err := s.ListAccounts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, "a", accts[0].UserID)
	assert.Equal(t, "b", accts[1].UserID)

	_, err = s.GetAccount(ctx, "zzz")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
