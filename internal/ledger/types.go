package ledger

import "time"

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryGrant  EntryType = "GRANT"
	EntryDebit  EntryType = "DEBIT"
	EntryRefund EntryType = "REFUND"
	EntryHold   EntryType = "HOLD"
)

// Credits reports whether the entry type adds to the balance.
func (t EntryType) Credits() bool {
	return t == EntryGrant || t == EntryRefund
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryGrant, EntryDebit, EntryRefund, EntryHold:
		return true
	}
	return false
}

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusReversed  Status = "REVERSED"
)

// Outcome is the result of an idempotent mutation.
type Outcome string

const (
	Written Outcome = "WRITTEN"
	Skipped Outcome = "SKIPPED"
)

// Account is the per-user balance document. CreditBalance may be negative:
// debits are applied after the fact and never blocked on funds.
type Account struct {
	UserID        string    `json:"user_id"`
	CreditBalance int64     `json:"credit_balance"`
	PlanCode      string    `json:"plan_code"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Entry is one append-only ledger record keyed by (UserID, IdempotencyKey).
// Amount carries the direction: positive for GRANT/REFUND, negative for DEBIT/HOLD.
type Entry struct {
	UserID         string     `json:"user_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Type           EntryType  `json:"type"`
	Amount         int64      `json:"amount"`
	Reason         string     `json:"reason"`
	Status         Status     `json:"status"`
	Meta           Meta       `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
}

// Magnitude returns |Amount|.
func (e Entry) Magnitude() int64 {
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}

// Reconciliation is the ledger-derived view of an account. CalculatedBalance
// is floored at zero; LiveBalance is the incrementally maintained value and
// is reported separately so the two are never conflated.
type Reconciliation struct {
	UserID            string `json:"user_id"`
	CalculatedBalance int64  `json:"calculated_balance"`
	TotalGrants       int64  `json:"total_grants"`
	TotalDebits       int64  `json:"total_debits"`
	LedgerCount       int    `json:"ledger_count"`
	LiveBalance       int64  `json:"live_balance"`
	// Drift is LiveBalance minus the unfloored ledger sum.
	Drift int64 `json:"drift"`
}
