// Package sync mirrors account balances from the ledger store into Redis.
//
// The ledger store is the source of truth. Redis holds a denormalized copy of
// each account document (hash "account:<user_id>") for dashboards and cheap
// balance reads. Nothing in the charging path reads the mirror, so a stale
// mirror is a display problem, never a billing one.
//
// The mirror is kept fresh three ways:
// 1. At startup, every account is loaded (InitializeRedis)
// 2. After each account-changing ledger commit, that account is re-synced
// 3. Periodically, recently updated accounts are re-synced (drift correction)
//
// Writes go through a Lua script that only applies a snapshot whose
// updated_at is not older than the stored one, so an old snapshot that
// arrives late never overwrites a newer one.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/metrics"
)

const pipelineBatch = 1000

// setIfNewer writes the account hash unless the stored snapshot is newer.
// Returns 1 when written, 0 when skipped.
var setIfNewer = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'updated_at') or '-1')
local incoming = tonumber(ARGV[3])
if current > incoming then
    return 0
end
redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'plan_code', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// AccountKey is the Redis key of a mirrored account.
func AccountKey(userID string) string {
	return "account:" + userID
}

// Syncer copies accounts from a ledger.Reader into Redis.
type Syncer struct {
	redis  *redis.Client
	source ledger.Reader
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(rdb *redis.Client, source ledger.Reader, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		source: source,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// InitializeRedis performs a full sync of every account. It is called at
// startup and by the admin CLI.
func (s *Syncer) InitializeRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("starting full redis initialization from ledger store")

	accounts, err := s.source.ListAccounts(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	if err := s.write(ctx, accounts); err != nil {
		return err
	}

	s.log.Info().
		Int("account_count", len(accounts)).
		Dur("duration", time.Since(start)).
		Msg("redis initialization complete")
	return nil
}

// write pushes accounts through setIfNewer in pipelined batches.
func (s *Syncer) write(ctx context.Context, accounts []ledger.Account) error {
	if err := setIfNewer.Load(ctx, s.redis).Err(); err != nil {
		return fmt.Errorf("load mirror script: %w", err)
	}
	for i := 0; i < len(accounts); i += pipelineBatch {
		end := min(i+pipelineBatch, len(accounts))
		pipe := s.redis.Pipeline()
		for _, a := range accounts[i:end] {
			setIfNewer.EvalSha(ctx, pipe, []string{AccountKey(a.UserID)}, snapshotArgs(a)...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec failed at count %d: %w", i, err)
		}
	}
	return nil
}

func snapshotArgs(a ledger.Account) []interface{} {
	var ts int64
	if !a.UpdatedAt.IsZero() {
		ts = a.UpdatedAt.UnixMicro()
	}
	return []interface{}{a.CreditBalance, a.PlanCode, ts}
}

// StartPeriodicSync re-syncs accounts updated within the last two intervals,
// every interval, until Stop is called.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().
		Dur("interval", interval).
		Msg("starting periodic sync")

	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if _, err := s.SyncRecentlyUpdated(ctx, time.Now().Add(-2*interval)); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// SyncRecentlyUpdated syncs accounts whose updated_at is after since.
func (s *Syncer) SyncRecentlyUpdated(ctx context.Context, since time.Time) (int, error) {
	start := time.Now()

	accounts, err := s.source.ListAccounts(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	recent := accounts[:0]
	for _, a := range accounts {
		if a.UpdatedAt.After(since) {
			recent = append(recent, a)
		}
	}
	if len(recent) > 0 {
		if err := s.write(ctx, recent); err != nil {
			return 0, err
		}
	}

	s.log.Debug().
		Int("synced_accounts", len(recent)).
		Dur("duration", time.Since(start)).
		Msg("incremental sync complete")
	return len(recent), nil
}

// SyncAccount re-reads one account from the store and mirrors it.
func (s *Syncer) SyncAccount(ctx context.Context, userID string) error {
	acct, err := s.source.GetAccount(ctx, userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return s.redis.Del(ctx, AccountKey(userID)).Err()
	}
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}

	written, err := setIfNewer.Run(ctx, s.redis, []string{AccountKey(userID)}, snapshotArgs(acct)...).Int()
	if err != nil {
		return fmt.Errorf("redis mirror write failed: %w", err)
	}

	s.log.Debug().
		Str("user_id", userID).
		Int64("balance", acct.CreditBalance).
		Bool("written", written == 1).
		Msg("account mirrored")
	return nil
}

// Get reads a mirrored account. The boolean is false when the account is
// not mirrored.
func (s *Syncer) Get(ctx context.Context, userID string) (ledger.Account, bool, error) {
	vals, err := s.redis.HGetAll(ctx, AccountKey(userID)).Result()
	if err != nil {
		return ledger.Account{}, false, err
	}
	if len(vals) == 0 {
		return ledger.Account{}, false, nil
	}
	balance, err := strconv.ParseInt(vals["balance"], 10, 64)
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("corrupt mirrored balance for %s: %w", userID, err)
	}
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)
	return ledger.Account{
		UserID:        userID,
		CreditBalance: balance,
		PlanCode:      vals["plan_code"],
		UpdatedAt:     time.UnixMicro(updated).UTC(),
	}, true, nil
}

// VerifyIntegrity compares up to sampleSize accounts against the mirror and
// repairs mismatches. It returns the number of discrepancies found.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	accounts, err := s.source.ListAccounts(ctx, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	discrepancies := 0
	for _, a := range accounts {
		mirrored, ok, err := s.Get(ctx, a.UserID)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", a.UserID).Msg("mirror read failed")
			continue
		}
		switch {
		case !ok:
			s.log.Warn().
				Str("user_id", a.UserID).
				Msg("account missing in redis")
		case mirrored.CreditBalance != a.CreditBalance || mirrored.PlanCode != a.PlanCode:
			s.log.Warn().
				Str("user_id", a.UserID).
				Int64("redis_balance", mirrored.CreditBalance).
				Int64("store_balance", a.CreditBalance).
				Int64("difference", mirrored.CreditBalance-a.CreditBalance).
				Msg("balance mismatch detected")
		default:
			continue
		}
		discrepancies++
		metrics.MirrorDiscrepancies.Inc()

		// The store wins; drop the stale snapshot so an older updated_at
		// cannot block the repair.
		if err := s.redis.Del(ctx, AccountKey(a.UserID)).Err(); err != nil {
			s.log.Error().Err(err).Str("user_id", a.UserID).Msg("failed to clear mirrored account")
			continue
		}
		if err := s.SyncAccount(ctx, a.UserID); err != nil {
			s.log.Error().Err(err).Str("user_id", a.UserID).Msg("failed to sync account")
		}
	}
	return discrepancies, nil
}

// Ping checks Redis connectivity.
func (s *Syncer) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Stop stops the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}
