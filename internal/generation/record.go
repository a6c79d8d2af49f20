package generation

import (
	"context"
	"errors"
	"time"

	"github.com/kelpejol/creditgate/internal/pricing"
)

var (
	ErrRecordNotFound = errors.New("generation: record not found")
	ErrRecordExists   = errors.New("generation: record already exists")
	// ErrTerminal is returned by update functions that refuse to leave a
	// terminal state.
	ErrTerminal       = errors.New("generation: record is terminal")
	ErrInvalidRequest = errors.New("generation: invalid request")
	// ErrNotReady means the provider has not finished; retry later.
	ErrNotReady = errors.New("generation: result not ready")
	// ErrProviderFailed wraps provider errors on submission.
	ErrProviderFailed = errors.New("generation: provider failed")
	// ErrBillingUnresolved marks a completed generation that could not be
	// charged.
	ErrBillingUnresolved = errors.New("generation: billing unresolved")
)

// Status is the lifecycle state of a generation record.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureKind distinguishes why a record failed.
type FailureKind string

const (
	FailureNone     FailureKind = ""
	FailureProvider FailureKind = "provider"
	FailureStorage  FailureKind = "storage"
	FailureBilling  FailureKind = "billing"
)

// Artifact is one output file.
type Artifact struct {
	SourceURL  string `json:"source_url"`
	URL        string `json:"url"`
	StorageKey string `json:"storage_key,omitempty"`
}

// Persisted reports whether the artifact lives in gateway storage.
func (a Artifact) Persisted() bool { return a.StorageKey != "" }

// Record is the persistent state of one generation.
type Record struct {
	ID             string         `json:"id"`
	UID            string         `json:"uid"`
	Status         Status         `json:"status"`
	Provider       string         `json:"provider"`
	ProviderTaskID string         `json:"provider_task_id,omitempty"`
	Model          string         `json:"model"`
	Prompt         string         `json:"prompt,omitempty"`
	ImageURL       string         `json:"image_url,omitempty"`
	Params         pricing.Params `json:"params"`
	EstimatedCost  int64          `json:"estimated_cost"`
	BilledCredits  int64          `json:"billed_credits,omitempty"`
	Images         []Artifact     `json:"images,omitempty"`
	Videos         []Artifact     `json:"videos,omitempty"`
	Error          string         `json:"error,omitempty"`
	FailureKind    FailureKind    `json:"failure_kind,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// BillingUnresolved reports whether the record holds artifacts the ledger
// never charged for.
func (r Record) BillingUnresolved() bool {
	return r.FailureKind == FailureBilling
}

// Ref addresses a record by its id or by the provider task id.
type Ref struct {
	RecordID string
	TaskID   string
}

func (r Ref) String() string {
	if r.RecordID != "" {
		return r.RecordID
	}
	return "task:" + r.TaskID
}

// RecordStore persists generation records. UpdateRecord must apply fn
// atomically with respect to other updates of the same record; if fn returns
// an error nothing is written and the error is returned unchanged along with
// the current record.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, uid, id string) (Record, error)
	FindByTaskID(ctx context.Context, uid, taskID string) (Record, error)
	UpdateRecord(ctx context.Context, uid, id string, fn func(*Record) error) (Record, error)
	ListByUser(ctx context.Context, uid string, limit int) ([]Record, error)
	ListGenerating(ctx context.Context, olderThan time.Time, limit int) ([]Record, error)
}
