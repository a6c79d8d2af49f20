package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditgate/internal/config"
	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/pricing"
	"github.com/kelpejol/creditgate/internal/provider"
	"github.com/kelpejol/creditgate/internal/provider/providertest"
	"github.com/kelpejol/creditgate/internal/storage"
	"github.com/kelpejol/creditgate/internal/store/memory"
	"github.com/kelpejol/creditgate/internal/sync"
)

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:        config.DriverMemory,
		LedgerTxTimeout:    time.Second,
		MirrorSyncInterval: time.Hour,
		TaskWorkers:        2,
		TaskQueueSize:      100,
	}
}

func newTestApp(t *testing.T, withRedis bool) (*App, *providertest.Fake, *miniredis.Miniredis) {
	t.Helper()
	fake := providertest.New("fal")
	reg := provider.NewRegistry()
	reg.Register(fake)

	opts := []Option{
		WithStore(memory.New()),
		WithProviders(reg),
		WithUploader(storage.Passthrough{}),
	}
	var mr *miniredis.Miniredis
	if withRedis {
		mr = miniredis.RunT(t)
		opts = append(opts, WithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
	}

	a, err := New(context.Background(), testConfig(), zerolog.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		a.StopBackground()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})
	return a, fake, mr
}

func TestLedgerCommitsRefreshMirror(t *testing.T) {
	a, _, mr := newTestApp(t, true)
	ctx := context.Background()

	_, err := a.Ledger.GrantAndSetPlan(ctx, "u1", "sub-1", 300, "pro", "plan_purchase", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return mr.HGet(sync.AccountKey("u1"), "balance") == "300"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pro", mr.HGet(sync.AccountKey("u1"), "plan_code"))

	_, err = a.Ledger.DebitIfAbsent(ctx, "u1", "gen-1", 31, "generation", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return mr.HGet(sync.AccountKey("u1"), "balance") == "269"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Ready(ctx))
}

func TestCallbackFetchChargesOnce(t *testing.T) {
	a, fake, _ := newTestApp(t, false)
	ctx := context.Background()

	_, err := a.Ledger.GrantIncrement(ctx, "u1", "topup-1", 100, "topup", nil)
	require.NoError(t, err)

	sub, err := a.Generations.Submit(ctx, generation.SubmitRequest{
		UserID:   "u1",
		Provider: "fal",
		Model:    "kling-v2.5-turbo-pro",
		Prompt:   "tide pools",
		Params:   pricing.Params{Kind: "t2v", Duration: "5s"},
	})
	require.NoError(t, err)
	fake.Complete(sub.ProviderTaskID, "https://cdn.example/out.mp4")

	ref := generation.Ref{TaskID: sub.ProviderTaskID}
	require.NoError(t, a.EnqueueFetch("u1", ref))
	require.NoError(t, a.EnqueueFetch("u1", ref))

	assert.Eventually(t, func() bool {
		rec, err := a.Generations.Get(ctx, "u1", ref)
		return err == nil && rec.Status == generation.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// A late duplicate callback must not charge again.
	require.NoError(t, a.EnqueueFetch("u1", generation.Ref{RecordID: sub.RecordID}))
	require.Eventually(t, func() bool { return a.Tasks.Len() == 0 }, time.Second, 10*time.Millisecond)

	acct, err := a.Ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(69), acct.CreditBalance)
}

func TestNewBuildsUnconfiguredProviders(t *testing.T) {
	cfg := testConfig()
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	_, err = a.Providers.Get("fal")
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
	assert.Nil(t, a.Mirror)
	assert.NoError(t, a.Ready(context.Background()))
}

func TestNewRejectsMissingPricingFile(t *testing.T) {
	cfg := testConfig()
	cfg.PricingFile = t.TempDir() + "/missing.toml"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "load pricing")
}
