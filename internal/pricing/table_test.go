package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditgate/internal/ledger"
)

func defaultTableT(t *testing.T) *Table {
	t.Helper()
	tbl, err := Default()
	require.NoError(t, err)
	return tbl
}

func TestResolveKlingFixedSKU(t *testing.T) {
	tbl := defaultTableT(t)

	q, err := tbl.Resolve("fal", "kling-v2.5-turbo-pro", Params{Kind: "t2v", Duration: "5"})
	require.NoError(t, err)
	assert.Equal(t, int64(31), q.Cost)
	assert.Equal(t, "2025-10-01", q.PricingVersion)

	meta, ok := q.Meta.(ledger.KlingMeta)
	require.True(t, ok, "expected kling meta, got %T", q.Meta)
	assert.Equal(t, 5, meta.DurationSeconds)
	assert.Equal(t, "t2v", meta.Kind)
	assert.Equal(t, q.SKU, meta.SKU)

	q, err = tbl.Resolve("fal", "kling-v2.5-turbo-pro", Params{Kind: "I2V", Duration: "10s"})
	require.NoError(t, err)
	assert.Equal(t, int64(62), q.Cost)
}

func TestResolveVeoPerSecondRoundsUp(t *testing.T) {
	tbl := defaultTableT(t)

	q, err := tbl.Resolve("fal", "veo3-fast", Params{Kind: "t2v", Duration: "5s", Resolution: "720p"})
	require.NoError(t, err)
	// 2.5 * 5 = 12.5
	assert.Equal(t, int64(13), q.Cost)

	q, err = tbl.Resolve("fal", "veo3-fast", Params{Kind: "t2v", Duration: "8s", Resolution: "720p", GenerateAudio: true})
	require.NoError(t, err)
	// 2.5 * 8 * 1.5 = 30
	assert.Equal(t, int64(30), q.Cost)

	meta, ok := q.Meta.(ledger.VeoMeta)
	require.True(t, ok)
	assert.True(t, meta.Audio)
	assert.Equal(t, 8, meta.DurationSeconds)
}

func TestResolveImageCount(t *testing.T) {
	tbl := defaultTableT(t)

	q, err := tbl.Resolve("replicate", "flux-schnell", Params{Kind: "t2i", NumImages: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.Cost)

	q, err = tbl.Resolve("replicate", "flux-schnell", Params{Kind: "t2i"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Cost)
}

func TestResolveErrors(t *testing.T) {
	tbl := defaultTableT(t)

	_, err := tbl.Resolve("fal", "nope", Params{Kind: "t2v", Duration: "5s"})
	assert.True(t, errors.Is(err, ErrUnsupportedModel))

	_, err = tbl.Resolve("fal", "kling-v2.5-turbo-pro", Params{Kind: "t2v", Duration: "7s"})
	assert.True(t, errors.Is(err, ErrUnknownSKU))

	_, err = tbl.Resolve("fal", "veo3-fast", Params{Kind: "t2v", Duration: "12s", Resolution: "720p"})
	assert.True(t, errors.Is(err, ErrUnknownSKU))

	_, err = tbl.Resolve("fal", "kling-v2.5-turbo-pro", Params{Kind: "t2v"})
	assert.True(t, errors.Is(err, ErrUnknownSKU))
}

func TestResolveIsDeterministic(t *testing.T) {
	tbl := defaultTableT(t)
	p := Params{Kind: "t2v", Duration: "6", Resolution: "1080P", GenerateAudio: true}

	first, err := tbl.Resolve("fal", "veo3-fast", p)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		q, err := tbl.Resolve("fal", "veo3-fast", p)
		require.NoError(t, err)
		assert.Equal(t, first, q)
	}
}

func TestNormalize(t *testing.T) {
	p := Params{Kind: " T2V ", Duration: "5", Resolution: "720P", Mode: "PRO"}.Normalize()
	assert.Equal(t, "t2v", p.Kind)
	assert.Equal(t, "5s", p.Duration)
	assert.Equal(t, "720p", p.Resolution)
	assert.Equal(t, "pro", p.Mode)

	img := Params{Kind: "t2i"}.Normalize()
	assert.Equal(t, 1, img.NumImages)

	assert.Equal(t, "10s", Params{Duration: "10sec"}.Normalize().Duration)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
version = "test-1"

[[sku]]
name = "custom"
provider = "fal"
model = "m"
credits = 7
`), 0o644))

	tbl, err := Load(path)
	require.NoError(t, err)
	q, err := tbl.Resolve("fal", "m", Params{Kind: "t2v"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), q.Cost)
	assert.Equal(t, "test-1", q.PricingVersion)
	_, ok := q.Meta.(ledger.GenericMeta)
	assert.True(t, ok)
}

func TestParseRejectsAmbiguousRates(t *testing.T) {
	_, err := Parse([]byte(`
version = "v"

[[sku]]
name = "bad"
provider = "fal"
model = "m"
credits = 3
credits_per_second = "1"
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`[[sku]]
name = "x"`))
	assert.Error(t, err)
}
