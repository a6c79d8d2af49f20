package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/store/memory"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeedBundledFile(t *testing.T) {
	s, err := LoadSeed("seed.toml")
	require.NoError(t, err)
	require.Len(t, s.Users, 3)
	assert.Equal(t, "user_pro", s.Users[1].UserID)
	require.Len(t, s.Users[1].TopUps, 1)
	assert.Equal(t, int64(250), s.Users[1].TopUps[0].Amount)
}

func TestLoadSeedRejectsBadInput(t *testing.T) {
	_, err := LoadSeed(writeSeed(t, "[[users]]\nuser_id = \"a\"\nplan_code = \"pro\"\ncredits = 10\ncolour = \"red\"\n"))
	assert.ErrorContains(t, err, "unknown keys")

	_, err = LoadSeed(writeSeed(t, "[[users]]\nplan_code = \"pro\"\ncredits = 10\n"))
	assert.ErrorContains(t, err, "user_id is required")

	_, err = LoadSeed(writeSeed(t, "[[users]]\nuser_id = \"a\"\nplan_code = \"pro\"\n"))
	assert.ErrorContains(t, err, "positive credits")
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := LoadSeed("seed.toml")
	require.NoError(t, err)

	e := ledger.NewEngine(memory.New(), zerolog.Nop())
	n, err := Apply(ctx, e, s, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = Apply(ctx, e, s, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	acct, err := e.GetAccount(ctx, "user_pro")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), acct.CreditBalance)
	assert.Equal(t, "pro", acct.PlanCode)

	entries, err := e.Entries(ctx, "user_studio")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "seed:studio:2025-10", entries[0].IdempotencyKey)
	assert.Equal(t, ledger.PlanMeta{PlanCode: "studio", Source: "seed", Reference: "seed:studio:2025-10"}, entries[0].Meta)
}

func TestRunExitCodes(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "memory")

	assert.Equal(t, 2, run([]string{"-bogus"}, zerolog.Nop()))
	assert.Equal(t, 1, run([]string{"-file", "missing.toml"}, zerolog.Nop()))

	good := writeSeed(t, "[[users]]\nuser_id = \"a\"\nplan_code = \"pro\"\ncredits = 10\n")
	assert.Equal(t, 0, run([]string{"-file", good}, zerolog.Nop()))

	bad := writeSeed(t, "[[users]]\nuser_id = \"a\"\nplan_code = \"pro\"\ncredits = 10\n\n  [[users.topups]]\n  key = \"neg\"\n  amount = -5\n")
	assert.Equal(t, 1, run([]string{"-file", bad}, zerolog.Nop()))
}
