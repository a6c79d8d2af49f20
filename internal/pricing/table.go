// Package pricing maps (provider, model, params) to a whole-credit cost.
//
// Prices live in a TOML table. Resolution is a pure function of the table
// and its inputs, so the same generation is always billed the same amount
// for a given table version.
package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/creditgate/internal/ledger"
)

var (
	// ErrUnsupportedModel means no SKU exists for the provider/model pair.
	ErrUnsupportedModel = errors.New("pricing: unsupported model")
	// ErrUnknownSKU means the model is priced but not for these parameters.
	ErrUnknownSKU = errors.New("pricing: no sku matches parameters")
)

//go:embed prices.toml
var defaultTable []byte

// Quote is the resolved charge for one generation.
type Quote struct {
	Cost           int64
	SKU            string
	PricingVersion string
	Meta           ledger.Meta
}

// Resolver resolves the cost of a generation.
type Resolver interface {
	Resolve(provider, model string, p Params) (Quote, error)
}

// SKU is one row of the price table.
type SKU struct {
	Name             string   `toml:"name"`
	Provider         string   `toml:"provider"`
	Model            string   `toml:"model"`
	Family           string   `toml:"family"`
	Kinds            []string `toml:"kinds"`
	Durations        []int    `toml:"durations"`
	Resolutions      []string `toml:"resolutions"`
	Modes            []string `toml:"modes"`
	Credits          int64    `toml:"credits"`
	CreditsPerSecond string   `toml:"credits_per_second"`
	CreditsPerImage  string   `toml:"credits_per_image"`
	AudioMultiplier  string   `toml:"audio_multiplier"`
	MinSeconds       int      `toml:"min_seconds"`
	MaxSeconds       int      `toml:"max_seconds"`

	perSecond decimal.Decimal
	perImage  decimal.Decimal
	audio     decimal.Decimal
}

// Table is a Resolver backed by a parsed price table.
type Table struct {
	Version string `toml:"version"`
	SKUs    []SKU  `toml:"sku"`
}

// Default returns the embedded price table.
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// Load reads a price table from path, or the embedded default when path is
// empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a TOML price table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if _, err := toml.Decode(string(data), &t); err != nil {
		return nil, fmt.Errorf("decode price table: %w", err)
	}
	if t.Version == "" {
		return nil, fmt.Errorf("price table: version is required")
	}
	for i := range t.SKUs {
		if err := t.SKUs[i].prepare(); err != nil {
			return nil, fmt.Errorf("price table sku %d (%s): %w", i, t.SKUs[i].Name, err)
		}
	}
	return &t, nil
}

func (s *SKU) prepare() error {
	if s.Name == "" || s.Provider == "" || s.Model == "" {
		return fmt.Errorf("name, provider and model are required")
	}
	rates := 0
	if s.Credits > 0 {
		rates++
	}
	if s.CreditsPerSecond != "" {
		d, err := decimal.NewFromString(s.CreditsPerSecond)
		if err != nil || !d.IsPositive() {
			return fmt.Errorf("invalid credits_per_second %q", s.CreditsPerSecond)
		}
		s.perSecond = d
		rates++
	}
	if s.CreditsPerImage != "" {
		d, err := decimal.NewFromString(s.CreditsPerImage)
		if err != nil || !d.IsPositive() {
			return fmt.Errorf("invalid credits_per_image %q", s.CreditsPerImage)
		}
		s.perImage = d
		rates++
	}
	if rates != 1 {
		return fmt.Errorf("exactly one of credits, credits_per_second, credits_per_image must be set")
	}
	s.audio = decimal.NewFromInt(1)
	if s.AudioMultiplier != "" {
		d, err := decimal.NewFromString(s.AudioMultiplier)
		if err != nil || !d.IsPositive() {
			return fmt.Errorf("invalid audio_multiplier %q", s.AudioMultiplier)
		}
		s.audio = d
	}
	return nil
}

// Resolve implements Resolver. The first matching SKU wins.
func (t *Table) Resolve(provider, model string, p Params) (Quote, error) {
	p = p.Normalize()
	known := false
	for i := range t.SKUs {
		sku := &t.SKUs[i]
		if sku.Provider != provider || sku.Model != model {
			continue
		}
		known = true
		ok, err := sku.matches(p)
		if err != nil {
			return Quote{}, err
		}
		if !ok {
			continue
		}
		cost, err := sku.cost(p)
		if err != nil {
			return Quote{}, err
		}
		return Quote{
			Cost:           cost,
			SKU:            sku.Name,
			PricingVersion: t.Version,
			Meta:           sku.meta(t.Version, p),
		}, nil
	}
	if !known {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedModel, provider, model)
	}
	return Quote{}, fmt.Errorf("%w: %s/%s kind=%s duration=%s resolution=%s mode=%s",
		ErrUnknownSKU, provider, model, p.Kind, p.Duration, p.Resolution, p.Mode)
}

func (s *SKU) matches(p Params) (bool, error) {
	if len(s.Kinds) > 0 && !slices.Contains(s.Kinds, p.Kind) {
		return false, nil
	}
	if len(s.Resolutions) > 0 && !slices.Contains(s.Resolutions, p.Resolution) {
		return false, nil
	}
	if len(s.Modes) > 0 && !slices.Contains(s.Modes, p.Mode) {
		return false, nil
	}
	if len(s.Durations) > 0 {
		secs, err := p.Seconds()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnknownSKU, err)
		}
		if !slices.Contains(s.Durations, secs) {
			return false, nil
		}
	}
	return true, nil
}

func (s *SKU) cost(p Params) (int64, error) {
	switch {
	case s.Credits > 0:
		return s.Credits, nil
	case !s.perSecond.IsZero():
		secs, err := p.Seconds()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnknownSKU, err)
		}
		if (s.MinSeconds > 0 && secs < s.MinSeconds) || (s.MaxSeconds > 0 && secs > s.MaxSeconds) {
			return 0, fmt.Errorf("%w: duration %ds outside [%d,%d]", ErrUnknownSKU, secs, s.MinSeconds, s.MaxSeconds)
		}
		total := s.perSecond.Mul(decimal.NewFromInt(int64(secs)))
		if p.GenerateAudio {
			total = total.Mul(s.audio)
		}
		return total.Ceil().IntPart(), nil
	default:
		n := p.NumImages
		if n <= 0 {
			n = 1
		}
		return s.perImage.Mul(decimal.NewFromInt(int64(n))).Ceil().IntPart(), nil
	}
}

func (s *SKU) meta(version string, p Params) ledger.Meta {
	ref := ledger.PriceRef{Provider: s.Provider, Model: s.Model, SKU: s.Name, PricingVersion: version}
	secs, _ := p.Seconds()
	switch s.Family {
	case "veo":
		return ledger.VeoMeta{PriceRef: ref, DurationSeconds: secs, Resolution: p.Resolution, Audio: p.GenerateAudio}
	case "kling":
		return ledger.KlingMeta{
			PriceRef:        ref,
			ModelFamily:     s.Model,
			Kind:            p.Kind,
			DurationSeconds: secs,
			Resolution:      p.Resolution,
			Mode:            p.Mode,
		}
	case "image":
		return ledger.ImageMeta{PriceRef: ref, Images: p.NumImages, Resolution: p.Resolution}
	}
	return ledger.GenericMeta{
		"provider":        s.Provider,
		"model":           s.Model,
		"sku":             s.Name,
		"pricing_version": version,
		"kind":            p.Kind,
	}
}
