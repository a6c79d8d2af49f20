package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/store/memory"
)

func newEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	return ledger.NewEngine(store, zerolog.Nop(), opts...), store
}

func balance(t *testing.T, e *ledger.Engine, uid string) int64 {
	t.Helper()
	acct, err := e.GetAccount(context.Background(), uid)
	require.NoError(t, err)
	return acct.CreditBalance
}

func TestDebitIfAbsentIsIdempotent(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "topup-1", 100, "topup", nil)
	require.NoError(t, err)

	out, err := e.DebitIfAbsent(ctx, "u1", "gen-1", 31, "generation", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Written, out)

	for i := 0; i < 5; i++ {
		out, err = e.DebitIfAbsent(ctx, "u1", "gen-1", 31, "generation", nil)
		require.NoError(t, err)
		assert.Equal(t, ledger.Skipped, out)
	}
	assert.Equal(t, int64(69), balance(t, e, "u1"))

	entries, err := e.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDebitIfAbsentConcurrentCallersChargeOnce(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "seed", 1000, "topup", nil)
	require.NoError(t, err)

	const callers = 32
	var (
		wg      sync.WaitGroup
		written atomic.Int32
		skipped atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.DebitIfAbsent(ctx, "u1", "gen-42", 25, "generation", nil)
			if !assert.NoError(t, err) {
				return
			}
			if out == ledger.Written {
				written.Add(1)
			} else {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), written.Load())
	assert.Equal(t, int32(callers-1), skipped.Load())
	assert.Equal(t, int64(975), balance(t, e, "u1"))
}

func TestDebitAllowsNegativeBalance(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "g", 10, "topup", nil)
	require.NoError(t, err)
	_, err = e.DebitIfAbsent(ctx, "u1", "gen-1", 31, "generation", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-21), balance(t, e, "u1"))
}

func TestReconcileFloorsCalculatedBalance(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "g", 10, "topup", nil)
	require.NoError(t, err)
	_, err = e.DebitIfAbsent(ctx, "u1", "gen-1", 31, "generation", nil)
	require.NoError(t, err)

	rec, err := e.ReconcileBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.CalculatedBalance)
	assert.Equal(t, int64(10), rec.TotalGrants)
	assert.Equal(t, int64(31), rec.TotalDebits)
	assert.Equal(t, 2, rec.LedgerCount)
	assert.Equal(t, int64(-21), rec.LiveBalance)
	assert.Equal(t, int64(0), rec.Drift)
}

func TestReconcileMatchesLiveWithoutPlanSwitch(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "g1", 50, "topup", nil)
	require.NoError(t, err)
	_, err = e.DebitIfAbsent(ctx, "u1", "d1", 20, "generation", nil)
	require.NoError(t, err)
	_, err = e.GrantIncrement(ctx, "u1", "g2", 5, "topup", nil)
	require.NoError(t, err)

	rec, err := e.ReconcileBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rec.LiveBalance, rec.CalculatedBalance)
	assert.Equal(t, int64(35), rec.CalculatedBalance)
}

func TestGrantIncrementAndDebitCommute(t *testing.T) {
	ctx := context.Background()

	a, _ := newEngine(t)
	_, err := a.GrantIncrement(ctx, "u1", "g", 40, "topup", nil)
	require.NoError(t, err)
	_, err = a.DebitIfAbsent(ctx, "u1", "d", 15, "generation", nil)
	require.NoError(t, err)

	b, _ := newEngine(t)
	_, err = b.DebitIfAbsent(ctx, "u1", "d", 15, "generation", nil)
	require.NoError(t, err)
	_, err = b.GrantIncrement(ctx, "u1", "g", 40, "topup", nil)
	require.NoError(t, err)

	assert.Equal(t, balance(t, a, "u1"), balance(t, b, "u1"))
	assert.Equal(t, int64(25), balance(t, a, "u1"))
}

func TestGrantAndSetPlanReplayDoesNotResetBalance(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	out, err := e.GrantAndSetPlan(ctx, "u1", "sub-1", 500, "pro", "plan_purchase", ledger.PlanMeta{PlanCode: "pro"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Written, out)

	_, err = e.DebitIfAbsent(ctx, "u1", "gen-1", 120, "generation", nil)
	require.NoError(t, err)

	out, err = e.GrantAndSetPlan(ctx, "u1", "sub-1", 500, "pro", "plan_purchase", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Skipped, out)
	assert.Equal(t, int64(380), balance(t, e, "u1"))

	// A replay with a different plan code refreshes the plan only.
	out, err = e.GrantAndSetPlan(ctx, "u1", "sub-1", 500, "pro_annual", "plan_purchase", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Skipped, out)
	acct, err := e.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro_annual", acct.PlanCode)
	assert.Equal(t, int64(380), acct.CreditBalance)
}

func TestGrantAndSetPlanOverwritesBalance(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "g", 75, "topup", nil)
	require.NoError(t, err)
	_, err = e.GrantAndSetPlan(ctx, "u1", "sub-2", 200, "basic", "plan_purchase", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance(t, e, "u1"))

	// Overwrites show up as drift against the ledger sum.
	rec, err := e.ReconcileBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(275), rec.CalculatedBalance)
	assert.Equal(t, int64(-75), rec.Drift)

	_, err = e.GrantAndSetPlan(ctx, "u1", "sub-3", 10, "", "plan_purchase", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestIdempotencyKeyConflict(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "shared", 10, "topup", nil)
	require.NoError(t, err)

	_, err = e.DebitIfAbsent(ctx, "u1", "shared", 5, "generation", nil)
	assert.ErrorIs(t, err, ledger.ErrIdempotencyConflict)
	assert.Equal(t, int64(10), balance(t, e, "u1"))
}

func TestKeysAreScopedPerUser(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	out, err := e.DebitIfAbsent(ctx, "u1", "gen-1", 5, "generation", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Written, out)
	out, err = e.DebitIfAbsent(ctx, "u2", "gen-1", 5, "generation", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Written, out)
}

func TestValidation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.DebitIfAbsent(ctx, "", "k", 1, "r", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = e.DebitIfAbsent(ctx, "u1", " ", 1, "r", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = e.DebitIfAbsent(ctx, "u1", "k", -1, "r", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = e.GrantIncrement(ctx, "u1", "k", -1, "r", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestReverseEntry(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "g", 100, "topup", nil)
	require.NoError(t, err)
	_, err = e.DebitIfAbsent(ctx, "u1", "gen-1", 30, "generation", nil)
	require.NoError(t, err)

	out, err := e.ReverseEntry(ctx, "u1", "gen-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Written, out)
	assert.Equal(t, int64(100), balance(t, e, "u1"))

	out, err = e.ReverseEntry(ctx, "u1", "gen-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Skipped, out)
	assert.Equal(t, int64(100), balance(t, e, "u1"))

	// A reversed debit key cannot be charged again.
	_, err = e.DebitIfAbsent(ctx, "u1", "gen-1", 30, "generation", nil)
	assert.ErrorIs(t, err, ledger.ErrIdempotencyConflict)

	rec, err := e.ReconcileBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.LedgerCount)
	assert.Equal(t, int64(100), rec.CalculatedBalance)

	_, err = e.ReverseEntry(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestClearLedgerKeepsAccount(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "g", 100, "topup", nil)
	require.NoError(t, err)
	_, err = e.DebitIfAbsent(ctx, "u1", "d", 10, "generation", nil)
	require.NoError(t, err)

	n, err := e.ClearLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(90), balance(t, e, "u1"))

	entries, err := e.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMetaSurvivesStorage(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	meta := ledger.KlingMeta{
		PriceRef:        ledger.PriceRef{Provider: "fal", Model: "kling-v2.5-turbo-pro", SKU: "Kling 5s", PricingVersion: "v1"},
		ModelFamily:     "kling-v2.5-turbo-pro",
		Kind:            "t2v",
		DurationSeconds: 5,
	}
	_, err := e.DebitIfAbsent(ctx, "u1", "gen-1", 31, "generation", meta)
	require.NoError(t, err)

	entries, err := e.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, meta, entries[0].Meta)
	assert.Equal(t, int64(-31), entries[0].Amount)

	legacy := ledger.DecodeMeta(map[string]string{"_type": "sora", "seconds": "4"})
	assert.Equal(t, ledger.GenericMeta{"seconds": "4"}, legacy)
	assert.Nil(t, ledger.DecodeMeta(nil))
}

func TestCommitHookFiresOnlyWhenAccountChanges(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	hook := func(uid, op string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, uid+":"+op)
	}
	e, _ := newEngine(t, ledger.WithCommitHook(hook))
	ctx := context.Background()

	_, err := e.GrantIncrement(ctx, "u1", "g", 10, "topup", nil)
	require.NoError(t, err)
	_, err = e.GrantIncrement(ctx, "u1", "g", 10, "topup", nil)
	require.NoError(t, err)
	_, err = e.DebitIfAbsent(ctx, "u1", "d", 3, "generation", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"u1:grant", "u1:debit"}, calls)
}

func TestStoreFailuresAreRetryable(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	store.SetTxFault(func(string) error { return ledger.ErrConflict })
	_, err := e.DebitIfAbsent(ctx, "u1", "gen-1", 5, "generation", nil)
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))

	store.SetTxFault(nil)
	out, err := e.DebitIfAbsent(ctx, "u1", "gen-1", 5, "generation", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Written, out)
	assert.Equal(t, int64(-5), balance(t, e, "u1"))
}

func TestTimeoutMapsToErrTimeout(t *testing.T) {
	e, store := newEngine(t, ledger.WithTxTimeout(10*time.Millisecond))
	store.SetTxFault(func(string) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})

	_, err := e.DebitIfAbsent(context.Background(), "u1", "gen-1", 5, "generation", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrTimeout))
	assert.Equal(t, int64(0), balance(t, e, "u1"))
}

// interleavingStore runs hook once, before the first entry listing returns.
type interleavingStore struct {
	*memory.Store
	once sync.Once
	hook func()
}

func (s *interleavingStore) ListEntries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	entries, err := s.Store.ListEntries(ctx, userID)
	s.once.Do(s.hook)
	return entries, err
}

func TestReconcileRereadsWhenDebitLandsMidway(t *testing.T) {
	ctx := context.Background()
	store := &interleavingStore{Store: memory.New()}
	e := ledger.NewEngine(store, zerolog.Nop())

	_, err := e.GrantIncrement(ctx, "u1", "g", 100, "topup", nil)
	require.NoError(t, err)
	store.hook = func() {
		_, err := e.DebitIfAbsent(ctx, "u1", "gen-1", 31, "generation", nil)
		require.NoError(t, err)
	}

	rec, err := e.ReconcileBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(69), rec.LiveBalance)
	assert.Equal(t, int64(69), rec.CalculatedBalance)
	assert.Equal(t, 2, rec.LedgerCount)
	assert.Zero(t, rec.Drift)
}
