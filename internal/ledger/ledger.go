// Package ledger is the credit ledger engine of creditgate.
//
// Every credit that moves through the system flows through this package. The
// engine keeps two views of a user's money in one store:
//
// 1. Account document - the live balance, maintained incrementally
// 2. Ledger entries   - an append-only audit trail keyed by idempotency key
//
// Both are mutated together inside a single transaction, so a crash or a
// timeout never leaves a balance change without its entry (or the reverse).
//
// Exactly-once charging:
// DebitIfAbsent reads the ledger key and writes the entry plus the balance
// decrement in the same transaction. The store serializes transactions per
// user, so of N concurrent callers sharing a key exactly one observes the key
// as absent; the others return Skipped. Retried webhooks, duplicate polls and
// repeated sweeps therefore never double-charge.
//
// Charge after the fact:
// Debits are never blocked on insufficient funds. The generation already
// happened when the charge is computed, so balances may go negative until a
// later grant corrects them.
//
// Failure semantics:
// Store conflicts surface as ErrConflict and timeouts as ErrTimeout. The
// engine does not retry; callers retry with the same key, which is safe.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/creditgate/internal/metrics"
)

const defaultTxTimeout = 5 * time.Second

// CommitHook is called after a transaction that changed an account commits.
// Hooks run on the caller's goroutine and must not block.
type CommitHook func(userID, op string)

// Engine owns every mutation of account balances.
//
// Thread safety: all methods are safe for concurrent use, including
// concurrent calls for the same user and the same idempotency key.
type Engine struct {
	store     Store
	log       zerolog.Logger
	txTimeout time.Duration
	now       func() time.Time
	hooks     []CommitHook
}

// Option configures an Engine.
type Option func(*Engine)

// WithTxTimeout bounds each ledger transaction.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCommitHook registers fn to run after account-changing commits.
func WithCommitHook(fn CommitHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		log:       logger.With().Str("component", "ledger").Logger(),
		txTimeout: defaultTxTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// mutation is the body of a ledger transaction. It reports the outcome and
// whether the account document was written.
type mutation func(ctx context.Context, tx Tx, now time.Time) (Outcome, bool, error)

// apply runs m in one bounded transaction and records metrics and logs.
func (e *Engine) apply(ctx context.Context, op, userID string, m mutation) (Outcome, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	var touched bool
	outcome, err := RunTx(ctx, e.store, userID, func(ctx context.Context, tx Tx) (Outcome, error) {
		out, changed, err := m(ctx, tx, e.now())
		touched = changed
		return out, err
	})

	metrics.LedgerTxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
		}
		metrics.LedgerOperations.WithLabelValues(op, "error").Inc()
		e.log.Error().Err(err).
			Str("op", op).
			Str("user_id", userID).
			Bool("retryable", IsRetryable(err)).
			Msg("ledger transaction failed")
		return "", err
	}

	metrics.LedgerOperations.WithLabelValues(op, strings.ToLower(string(outcome))).Inc()

	if touched {
		for _, hook := range e.hooks {
			hook(userID, op)
		}
	}
	return outcome, nil
}

// DebitIfAbsent charges amount credits once per (userID, key).
//
// A confirmed DEBIT already stored under key makes the call a no-op that
// returns Skipped. Otherwise a CONFIRMED DEBIT of -amount is written and the
// balance is decremented in the same transaction. Sufficient balance is not
// checked.
func (e *Engine) DebitIfAbsent(ctx context.Context, userID, key string, amount int64, reason string, meta Meta) (Outcome, error) {
	if err := validateKey(userID, key); err != nil {
		return "", err
	}
	if amount < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	outcome, err := e.apply(ctx, "debit", userID, func(ctx context.Context, tx Tx, now time.Time) (Outcome, bool, error) {
		existing, found, err := tx.Entry(ctx, key)
		if err != nil {
			return "", false, err
		}
		if found {
			if existing.Type == EntryDebit && existing.Status == StatusConfirmed {
				return Skipped, false, nil
			}
			return "", false, keyConflict(key, existing)
		}

		acct, err := loadAccount(ctx, tx, userID)
		if err != nil {
			return "", false, err
		}
		acct.CreditBalance -= amount
		acct.UpdatedAt = now

		entry := Entry{
			UserID:         userID,
			IdempotencyKey: key,
			Type:           EntryDebit,
			Amount:         -amount,
			Reason:         reason,
			Status:         StatusConfirmed,
			Meta:           meta,
			CreatedAt:      now,
		}
		if err := tx.PutEntry(ctx, entry); err != nil {
			return "", false, err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return "", false, err
		}
		return Written, true, nil
	})
	if err != nil {
		return "", err
	}

	if outcome == Written {
		metrics.LedgerDebitedCredits.WithLabelValues(reason).Add(float64(amount))
	}

	e.log.Info().
		Str("user_id", userID).
		Str("key", key).
		Int64("amount", amount).
		Str("reason", reason).
		Str("outcome", string(outcome)).
		Msg("debit applied")

	return outcome, nil
}

// GrantAndSetPlan switches userID to planCode and resets the balance to
// credits. Replaying the same key never resets the balance again; it only
// refreshes the plan code when it differs, which tolerates plan assignments
// arriving out of order.
func (e *Engine) GrantAndSetPlan(ctx context.Context, userID, key string, credits int64, planCode, reason string, meta Meta) (Outcome, error) {
	if err := validateKey(userID, key); err != nil {
		return "", err
	}
	if credits < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, credits)
	}
	if strings.TrimSpace(planCode) == "" {
		return "", fmt.Errorf("%w: plan code is required", ErrInvalidArgument)
	}

	outcome, err := e.apply(ctx, "grant_plan", userID, func(ctx context.Context, tx Tx, now time.Time) (Outcome, bool, error) {
		existing, found, err := tx.Entry(ctx, key)
		if err != nil {
			return "", false, err
		}
		acct, err := loadAccount(ctx, tx, userID)
		if err != nil {
			return "", false, err
		}

		if found {
			if existing.Type != EntryGrant || existing.Status != StatusConfirmed {
				return "", false, keyConflict(key, existing)
			}
			if acct.PlanCode == planCode {
				return Skipped, false, nil
			}
			acct.PlanCode = planCode
			acct.UpdatedAt = now
			if err := tx.PutAccount(ctx, acct); err != nil {
				return "", false, err
			}
			return Skipped, true, nil
		}

		acct.CreditBalance = credits
		acct.PlanCode = planCode
		acct.UpdatedAt = now

		entry := Entry{
			UserID:         userID,
			IdempotencyKey: key,
			Type:           EntryGrant,
			Amount:         credits,
			Reason:         reason,
			Status:         StatusConfirmed,
			Meta:           meta,
			CreatedAt:      now,
		}
		if err := tx.PutEntry(ctx, entry); err != nil {
			return "", false, err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return "", false, err
		}
		return Written, true, nil
	})
	if err != nil {
		return "", err
	}

	e.log.Info().
		Str("user_id", userID).
		Str("key", key).
		Int64("credits", credits).
		Str("plan_code", planCode).
		Str("outcome", string(outcome)).
		Msg("plan grant applied")

	return outcome, nil
}

// GrantIncrement adds amount credits once per (userID, key). Unlike
// GrantAndSetPlan it never overwrites the balance, so intervening debits
// are preserved.
func (e *Engine) GrantIncrement(ctx context.Context, userID, key string, amount int64, reason string, meta Meta) (Outcome, error) {
	if err := validateKey(userID, key); err != nil {
		return "", err
	}
	if amount < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	outcome, err := e.apply(ctx, "grant", userID, func(ctx context.Context, tx Tx, now time.Time) (Outcome, bool, error) {
		existing, found, err := tx.Entry(ctx, key)
		if err != nil {
			return "", false, err
		}
		if found {
			if existing.Type == EntryGrant && existing.Status == StatusConfirmed {
				return Skipped, false, nil
			}
			return "", false, keyConflict(key, existing)
		}

		acct, err := loadAccount(ctx, tx, userID)
		if err != nil {
			return "", false, err
		}
		acct.CreditBalance += amount
		acct.UpdatedAt = now

		entry := Entry{
			UserID:         userID,
			IdempotencyKey: key,
			Type:           EntryGrant,
			Amount:         amount,
			Reason:         reason,
			Status:         StatusConfirmed,
			Meta:           meta,
			CreatedAt:      now,
		}
		if err := tx.PutEntry(ctx, entry); err != nil {
			return "", false, err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return "", false, err
		}
		return Written, true, nil
	})
	if err != nil {
		return "", err
	}

	e.log.Info().
		Str("user_id", userID).
		Str("key", key).
		Int64("amount", amount).
		Str("outcome", string(outcome)).
		Msg("grant applied")

	return outcome, nil
}

// ReverseEntry marks a confirmed entry REVERSED and applies its inverse to
// the balance. Reversing an already reversed entry returns Skipped. This is a
// manual correction tool; no automated flow calls it.
func (e *Engine) ReverseEntry(ctx context.Context, userID, key string) (Outcome, error) {
	if err := validateKey(userID, key); err != nil {
		return "", err
	}

	outcome, err := e.apply(ctx, "reverse", userID, func(ctx context.Context, tx Tx, now time.Time) (Outcome, bool, error) {
		entry, found, err := tx.Entry(ctx, key)
		if err != nil {
			return "", false, err
		}
		if !found {
			return "", false, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		}
		switch entry.Status {
		case StatusReversed:
			return Skipped, false, nil
		case StatusConfirmed:
		default:
			return "", false, keyConflict(key, entry)
		}

		acct, err := loadAccount(ctx, tx, userID)
		if err != nil {
			return "", false, err
		}
		acct.CreditBalance -= entry.Amount
		acct.UpdatedAt = now

		entry.Status = StatusReversed
		entry.ReversedAt = &now
		if err := tx.PutEntry(ctx, entry); err != nil {
			return "", false, err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return "", false, err
		}
		return Written, true, nil
	})
	if err != nil {
		return "", err
	}

	e.log.Warn().
		Str("user_id", userID).
		Str("key", key).
		Str("outcome", string(outcome)).
		Msg("ledger entry reversed")

	return outcome, nil
}

// reconcileAttempts bounds how often ReconcileBalance re-reads when the
// account changes underneath it.
const reconcileAttempts = 3

// ReconcileBalance derives the balance from CONFIRMED entries. It is
// read-only: callers decide whether and when to correct the live balance.
//
// Entries and the account are read outside a transaction. Every mutation
// writes both together and bumps the account, so the read is retried until
// the account is unchanged across the entry listing. If writes keep landing,
// the last read is returned and Drift is advisory.
func (e *Engine) ReconcileBalance(ctx context.Context, userID string) (Reconciliation, error) {
	if strings.TrimSpace(userID) == "" {
		return Reconciliation{}, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}

	var (
		rec    Reconciliation
		net    int64
		acct   Account
		stable bool
	)
	for attempt := 0; attempt < reconcileAttempts && !stable; attempt++ {
		before, err := e.GetAccount(ctx, userID)
		if err != nil {
			return Reconciliation{}, err
		}
		entries, err := e.store.ListEntries(ctx, userID)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("list entries: %w", err)
		}
		acct, err = e.GetAccount(ctx, userID)
		if err != nil {
			return Reconciliation{}, err
		}
		stable = acct.CreditBalance == before.CreditBalance &&
			acct.PlanCode == before.PlanCode &&
			acct.UpdatedAt.Equal(before.UpdatedAt)

		rec = Reconciliation{UserID: userID}
		for _, entry := range entries {
			if entry.Status != StatusConfirmed {
				continue
			}
			rec.LedgerCount++
			if entry.Type.Credits() {
				rec.TotalGrants += entry.Magnitude()
			} else {
				rec.TotalDebits += entry.Magnitude()
			}
		}
		net = rec.TotalGrants - rec.TotalDebits
	}
	if !stable {
		e.log.Warn().Str("user_id", userID).Msg("account kept changing during reconcile, drift is approximate")
	}

	rec.CalculatedBalance = max(0, net)
	rec.LiveBalance = acct.CreditBalance
	rec.Drift = acct.CreditBalance - net

	drift := rec.Drift
	if drift < 0 {
		drift = -drift
	}
	metrics.ReconcileDrift.Observe(float64(drift))

	e.log.Debug().
		Str("user_id", userID).
		Int64("calculated_balance", rec.CalculatedBalance).
		Int64("live_balance", rec.LiveBalance).
		Int64("drift", rec.Drift).
		Int("ledger_count", rec.LedgerCount).
		Msg("balance reconciled")

	return rec, nil
}

// GetAccount returns the account document. Accounts are created lazily, so
// a user without one reads as a zero balance with no plan.
func (e *Engine) GetAccount(ctx context.Context, userID string) (Account, error) {
	acct, err := e.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{UserID: userID}, nil
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// HasConfirmedDebit reports whether key holds a confirmed debit for userID.
func (e *Engine) HasConfirmedDebit(ctx context.Context, userID, key string) (bool, error) {
	return RunTx(ctx, e.store, userID, func(ctx context.Context, tx Tx) (bool, error) {
		entry, found, err := tx.Entry(ctx, key)
		if err != nil || !found {
			return false, err
		}
		return entry.Type == EntryDebit && entry.Status == StatusConfirmed, nil
	})
}

// Entries lists a user's ledger entries, oldest first.
func (e *Engine) Entries(ctx context.Context, userID string) ([]Entry, error) {
	return e.store.ListEntries(ctx, userID)
}

// ClearLedger deletes every ledger entry of userID and leaves the account
// document untouched. It exists for data migrations only.
func (e *Engine) ClearLedger(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	n, err := e.store.DeleteEntries(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	e.log.Warn().Str("user_id", userID).Int("deleted", n).Msg("ledger cleared")
	return n, nil
}

func loadAccount(ctx context.Context, tx Tx, userID string) (Account, error) {
	acct, found, err := tx.Account(ctx)
	if err != nil {
		return Account{}, err
	}
	if !found {
		acct = Account{UserID: userID}
	}
	return acct, nil
}

func validateKey(userID, key string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidArgument)
	}
	return nil
}
