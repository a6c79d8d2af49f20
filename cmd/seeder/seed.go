package main

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditgate/internal/ledger"
)

// Seed is the on-disk seed document.
type Seed struct {
	Users []SeedUser `toml:"users"`
}

// SeedUser is one account to provision.
type SeedUser struct {
	UserID   string `toml:"user_id"`
	PlanCode string `toml:"plan_code"`
	Credits  int64  `toml:"credits"`
	// Key defaults to "seed:<user_id>:<plan_code>".
	Key    string `toml:"key"`
	TopUps []struct {
		Key    string `toml:"key"`
		Amount int64  `toml:"amount"`
	} `toml:"topups"`
}

// Granter is the slice of the ledger the seeder needs.
type Granter interface {
	GrantAndSetPlan(ctx context.Context, userID, key string, credits int64, planCode, reason string, meta ledger.Meta) (ledger.Outcome, error)
	GrantIncrement(ctx context.Context, userID, key string, amount int64, reason string, meta ledger.Meta) (ledger.Outcome, error)
}

// LoadSeed decodes a seed file and rejects unknown keys.
func LoadSeed(path string) (Seed, error) {
	var s Seed
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return Seed{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Seed{}, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
	}
	for i, u := range s.Users {
		if u.UserID == "" {
			return Seed{}, fmt.Errorf("users[%d]: user_id is required", i)
		}
		if u.PlanCode == "" || u.Credits <= 0 {
			return Seed{}, fmt.Errorf("user %s: plan_code and positive credits are required", u.UserID)
		}
	}
	return s, nil
}

// Apply grants every seeded plan and top-up. It returns the number of
// entries written; entries already present are skipped.
func Apply(ctx context.Context, g Granter, s Seed, logger zerolog.Logger) (int, error) {
	written := 0
	for _, u := range s.Users {
		key := u.Key
		if key == "" {
			key = "seed:" + u.UserID + ":" + u.PlanCode
		}
		out, err := g.GrantAndSetPlan(ctx, u.UserID, key, u.Credits, u.PlanCode, "plan_purchase",
			ledger.PlanMeta{PlanCode: u.PlanCode, Source: "seed", Reference: key})
		if err != nil {
			return written, fmt.Errorf("seed plan for %s: %w", u.UserID, err)
		}
		if out == ledger.Written {
			written++
		}
		logger.Info().Str("user_id", u.UserID).Str("plan", u.PlanCode).Str("outcome", string(out)).Msg("plan seeded")

		for _, t := range u.TopUps {
			out, err := g.GrantIncrement(ctx, u.UserID, t.Key, t.Amount, "topup",
				ledger.TopUpMeta{Source: "seed", Reference: t.Key})
			if err != nil {
				return written, fmt.Errorf("seed top-up %s for %s: %w", t.Key, u.UserID, err)
			}
			if out == ledger.Written {
				written++
			}
		}
	}
	return written, nil
}
