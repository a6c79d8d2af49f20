// Package generation runs the submit / poll / fetch lifecycle of provider
// jobs and charges for them on the ledger.
//
// A record starts in "generating" when the provider accepts the job and moves
// exactly once to "completed" or "failed". Credits are taken only when a
// result has been fetched and persisted: the debit is keyed by the record id,
// so however many times a result is fetched (polling clients, callbacks, the
// sweeper) the user is charged once.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/metrics"
	"github.com/kelpejol/creditgate/internal/pricing"
	"github.com/kelpejol/creditgate/internal/provider"
	"github.com/kelpejol/creditgate/internal/storage"
)

// DebitReason is the ledger reason for generation charges.
const DebitReason = "generation"

// Ledger is the subset of the ledger engine used for billing.
type Ledger interface {
	DebitIfAbsent(ctx context.Context, userID, key string, amount int64, reason string, meta ledger.Meta) (ledger.Outcome, error)
	HasConfirmedDebit(ctx context.Context, userID, key string) (bool, error)
}

// Providers resolves adapters by name.
type Providers interface {
	Get(name string) (provider.Adapter, error)
}

// SubmitRequest is a new generation.
type SubmitRequest struct {
	UserID   string
	Provider string
	Model    string
	Prompt   string
	ImageURL string
	Params   pricing.Params
}

// Submission identifies an accepted generation.
type Submission struct {
	RecordID       string `json:"generation_record_id"`
	ProviderTaskID string `json:"provider_task_id"`
	EstimatedCost  int64  `json:"estimated_cost"`
}

// Result is the outcome of FetchResult.
type Result struct {
	RecordID          string      `json:"generation_record_id"`
	Status            Status      `json:"status"`
	Images            []string    `json:"images,omitempty"`
	Videos            []string    `json:"videos,omitempty"`
	Billed            bool        `json:"billed"`
	BilledCredits     int64       `json:"billed_credits,omitempty"`
	BillingUnresolved bool        `json:"billing_unresolved,omitempty"`
	Error             string      `json:"error,omitempty"`
	FailureKind       FailureKind `json:"failure_kind,omitempty"`
	// BillingErr carries the cause when BillingUnresolved is set.
	BillingErr error `json:"-"`
}

// Service coordinates providers, storage, pricing and the ledger.
type Service struct {
	records   RecordStore
	ledger    Ledger
	pricing   pricing.Resolver
	providers Providers
	uploader  storage.Uploader
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService wires a Service.
func NewService(records RecordStore, l Ledger, resolver pricing.Resolver, providers Providers, uploader storage.Uploader, logger zerolog.Logger, opts ...Option) *Service {
	if uploader == nil {
		uploader = storage.Passthrough{}
	}
	s := &Service{
		records:   records,
		ledger:    l,
		pricing:   resolver,
		providers: providers,
		uploader:  uploader,
		log:       logger.With().Str("component", "generation").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the request, prices it and hands it to the provider. No
// credits move here; configuration and pricing errors are reported before any
// provider call.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Provider == "" || req.Model == "" {
		return Submission{}, fmt.Errorf("%w: user_id, provider and model are required", ErrInvalidRequest)
	}
	req.Params = req.Params.Normalize()
	if req.Params.Kind == "" {
		return Submission{}, fmt.Errorf("%w: params.kind is required", ErrInvalidRequest)
	}

	adapter, err := s.providers.Get(req.Provider)
	if err != nil {
		return Submission{}, err
	}
	quote, err := s.pricing.Resolve(req.Provider, req.Model, req.Params)
	if err != nil {
		return Submission{}, err
	}

	now := s.now().UTC()
	rec := Record{
		ID:            s.newID(),
		UID:           req.UserID,
		Status:        StatusGenerating,
		Provider:      req.Provider,
		Model:         req.Model,
		Prompt:        req.Prompt,
		ImageURL:      req.ImageURL,
		Params:        req.Params,
		EstimatedCost: quote.Cost,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.records.CreateRecord(ctx, rec); err != nil {
		return Submission{}, fmt.Errorf("create generation record: %w", err)
	}

	log := s.log.With().Str("user_id", rec.UID).Str("record_id", rec.ID).Str("provider", rec.Provider).Logger()

	taskID, err := adapter.Submit(ctx, req.Model, provider.Input{
		Prompt:   req.Prompt,
		ImageURL: req.ImageURL,
		Params:   req.Params,
	})
	if err != nil {
		log.Warn().Err(err).Msg("provider rejected submission")
		if _, ferr := s.fail(ctx, rec, FailureProvider, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to mark record failed")
		}
		return Submission{}, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	_, err = s.records.UpdateRecord(ctx, rec.UID, rec.ID, func(r *Record) error {
		if r.Status != StatusGenerating {
			return ErrTerminal
		}
		r.ProviderTaskID = taskID
		r.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to store provider task id")
		return Submission{}, fmt.Errorf("store provider task id: %w", err)
	}

	metrics.GenerationTransitions.WithLabelValues(rec.Provider, string(StatusGenerating)).Inc()
	log.Info().Str("task_id", taskID).Int64("estimated_cost", quote.Cost).Msg("generation submitted")

	return Submission{RecordID: rec.ID, ProviderTaskID: taskID, EstimatedCost: quote.Cost}, nil
}

// PollStatus is a read-only probe. Terminal records answer from the store
// without calling the provider.
func (s *Service) PollStatus(ctx context.Context, userID string, ref Ref) (provider.Status, error) {
	rec, err := s.lookup(ctx, userID, ref)
	if err != nil {
		return "", err
	}
	switch rec.Status {
	case StatusCompleted:
		return provider.StatusCompleted, nil
	case StatusFailed:
		return provider.StatusFailed, nil
	}
	if rec.ProviderTaskID == "" {
		return provider.StatusQueued, nil
	}
	adapter, err := s.providers.Get(rec.Provider)
	if err != nil {
		return "", err
	}
	rep, err := adapter.Status(ctx, rec.Model, rec.ProviderTaskID)
	if err != nil {
		return "", err
	}
	return rep.Status, nil
}

// FetchResult reconciles a generation: it fetches and persists artifacts,
// charges the ledger and moves the record to a terminal state. It is safe to
// call any number of times, concurrently.
func (s *Service) FetchResult(ctx context.Context, userID string, ref Ref) (Result, error) {
	rec, err := s.lookup(ctx, userID, ref)
	if err != nil {
		return Result{}, err
	}
	log := s.log.With().Str("user_id", rec.UID).Str("record_id", rec.ID).Str("provider", rec.Provider).Logger()

	switch rec.Status {
	case StatusFailed:
		return s.failedResult(ctx, rec, log), nil
	case StatusCompleted:
		return s.refetchCompleted(ctx, rec, log), nil
	}

	if rec.ProviderTaskID == "" {
		return Result{}, ErrNotReady
	}
	adapter, err := s.providers.Get(rec.Provider)
	if err != nil {
		return Result{}, err
	}

	rep, err := adapter.Status(ctx, rec.Model, rec.ProviderTaskID)
	if err != nil {
		return Result{}, fmt.Errorf("probe provider status: %w", err)
	}
	switch rep.Status {
	case provider.StatusQueued, provider.StatusInProgress:
		return Result{}, ErrNotReady
	case provider.StatusFailed:
		msg := rep.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		log.Info().Str("reason", msg).Msg("provider reported generation failed")
		return s.failResult(ctx, rec, FailureProvider, msg)
	}

	payload, err := adapter.Result(ctx, rec.Model, rec.ProviderTaskID)
	if err != nil {
		log.Warn().Err(err).Msg("fetch provider result failed")
		return s.failResult(ctx, rec, FailureProvider, err.Error())
	}
	images, videos := payload.ImageURLs(), payload.VideoURLs()
	if len(images) == 0 && len(videos) == 0 {
		msg := payload.Error()
		if msg == "" {
			msg = "provider returned no artifacts"
		}
		return s.failResult(ctx, rec, FailureProvider, msg)
	}

	imgArts, err := s.persist(ctx, images)
	if err == nil {
		var vidArts []Artifact
		vidArts, err = s.persist(ctx, videos)
		if err == nil {
			rec, err = s.records.UpdateRecord(ctx, rec.UID, rec.ID, func(r *Record) error {
				if r.Status.Terminal() {
					return ErrTerminal
				}
				r.Images, r.Videos = imgArts, vidArts
				r.UpdatedAt = s.now().UTC()
				return nil
			})
			if errors.Is(err, ErrTerminal) {
				return s.settled(ctx, rec, log), nil
			}
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("persist artifacts failed")
		return s.failResult(ctx, rec, FailureStorage, err.Error())
	}

	quote, outcome, err := s.charge(ctx, rec)
	if err != nil {
		return s.billingFailed(ctx, rec, err, log)
	}

	done, err := s.records.UpdateRecord(ctx, rec.UID, rec.ID, func(r *Record) error {
		if r.Status == StatusCompleted {
			return nil
		}
		if r.Status == StatusFailed {
			return ErrTerminal
		}
		t := s.now().UTC()
		r.Status = StatusCompleted
		r.BilledCredits = quote.Cost
		r.UpdatedAt = t
		r.CompletedAt = &t
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			log.Error().Str("outcome", string(outcome)).Msg("charged generation already settled as failed by a concurrent fetch")
			res := resultOf(done)
			res.Billed = true
			res.BillingUnresolved = false
			res.BillingErr = nil
			return res, nil
		}
		return Result{}, fmt.Errorf("complete generation record: %w", err)
	}

	if outcome == ledger.Written {
		metrics.GenerationTransitions.WithLabelValues(rec.Provider, string(StatusCompleted)).Inc()
		log.Info().Int64("credits", quote.Cost).Str("sku", quote.SKU).Msg("generation completed and billed")
	}
	res := resultOf(done)
	res.Billed = true
	return res, nil
}

// ListByUser returns a user's records, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.records.ListByUser(ctx, userID, limit)
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, userID string, ref Ref) (Record, error) {
	return s.lookup(ctx, userID, ref)
}

func (s *Service) lookup(ctx context.Context, userID string, ref Ref) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	switch {
	case ref.RecordID != "":
		return s.records.GetRecord(ctx, userID, ref.RecordID)
	case ref.TaskID != "":
		return s.records.FindByTaskID(ctx, userID, ref.TaskID)
	}
	return Record{}, fmt.Errorf("%w: record id or task id is required", ErrInvalidRequest)
}

// charge resolves the price from the stored params and debits once per
// record id.
func (s *Service) charge(ctx context.Context, rec Record) (pricing.Quote, ledger.Outcome, error) {
	quote, err := s.pricing.Resolve(rec.Provider, rec.Model, rec.Params)
	if err != nil {
		return pricing.Quote{}, "", err
	}
	outcome, err := s.ledger.DebitIfAbsent(ctx, rec.UID, rec.ID, quote.Cost, DebitReason, quote.Meta)
	if err != nil {
		return quote, "", err
	}
	return quote, outcome, nil
}

// refetchCompleted backfills any artifacts still pointing at the provider and
// replays the debit, which is a no-op for a settled record. A record only
// becomes completed after its debit committed, so it reports billed even when
// the replay fails.
func (s *Service) refetchCompleted(ctx context.Context, rec Record, log zerolog.Logger) Result {
	rec = s.backfill(ctx, rec, log)
	res := resultOf(rec)
	res.Billed = true
	if _, _, err := s.charge(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("debit replay for completed generation failed")
	}
	return res
}

// failedResult reports a failed record. A billing failure may have raced a
// concurrent fetch whose debit committed; the ledger decides whether it was
// charged.
func (s *Service) failedResult(ctx context.Context, rec Record, log zerolog.Logger) Result {
	res := resultOf(rec)
	if rec.FailureKind != FailureBilling {
		return res
	}
	billed, err := s.ledger.HasConfirmedDebit(ctx, rec.UID, rec.ID)
	if err != nil {
		log.Warn().Err(err).Msg("check debit for billing-failed generation")
		return res
	}
	if billed {
		res.Billed = true
		res.BillingUnresolved = false
		res.BillingErr = nil
	}
	return res
}

func (s *Service) backfill(ctx context.Context, rec Record, log zerolog.Logger) Record {
	if _, ok := s.uploader.(storage.Passthrough); ok {
		return rec
	}
	pending := false
	for _, a := range append(append([]Artifact{}, rec.Images...), rec.Videos...) {
		if !a.Persisted() {
			pending = true
			break
		}
	}
	if !pending {
		return rec
	}
	images, err := s.repersist(ctx, rec.Images)
	if err != nil {
		log.Warn().Err(err).Msg("artifact backfill failed")
		return rec
	}
	videos, err := s.repersist(ctx, rec.Videos)
	if err != nil {
		log.Warn().Err(err).Msg("artifact backfill failed")
		return rec
	}
	updated, err := s.records.UpdateRecord(ctx, rec.UID, rec.ID, func(r *Record) error {
		r.Images, r.Videos = images, videos
		r.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("store backfilled artifacts failed")
		return rec
	}
	return updated
}

func (s *Service) repersist(ctx context.Context, arts []Artifact) ([]Artifact, error) {
	out := make([]Artifact, len(arts))
	for i, a := range arts {
		if a.Persisted() {
			out[i] = a
			continue
		}
		obj, err := s.uploader.Persist(ctx, a.SourceURL)
		if err != nil {
			return nil, err
		}
		out[i] = Artifact{SourceURL: a.SourceURL, URL: obj.PublicURL, StorageKey: obj.Key}
	}
	return out, nil
}

func (s *Service) persist(ctx context.Context, urls []string) ([]Artifact, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	out := make([]Artifact, 0, len(urls))
	for _, u := range urls {
		obj, err := s.uploader.Persist(ctx, u)
		if err != nil {
			return nil, err
		}
		out = append(out, Artifact{SourceURL: u, URL: obj.PublicURL, StorageKey: obj.Key})
	}
	return out, nil
}

// billingFailed settles a record whose artifacts exist but whose charge could
// not be recorded. The artifacts are still returned to the caller.
func (s *Service) billingFailed(ctx context.Context, rec Record, cause error, log zerolog.Logger) (Result, error) {
	metrics.BillingUnresolved.WithLabelValues(rec.Provider, billingReason(cause)).Inc()
	log.Error().Err(cause).Str("model", rec.Model).Msg("generation produced artifacts but could not be billed")

	updated, err := s.fail(ctx, rec, FailureBilling, cause.Error())
	if err != nil && !errors.Is(err, ErrTerminal) {
		return Result{}, fmt.Errorf("mark billing failure: %w", err)
	}
	if errors.Is(err, ErrTerminal) {
		return s.settled(ctx, updated, log), nil
	}
	res := s.failedResult(ctx, updated, log)
	if res.BillingUnresolved {
		res.BillingErr = fmt.Errorf("%w: %w", ErrBillingUnresolved, cause)
	}
	return res, nil
}

func billingReason(err error) string {
	switch {
	case errors.Is(err, pricing.ErrUnknownSKU), errors.Is(err, pricing.ErrUnsupportedModel):
		return "pricing"
	case errors.Is(err, ledger.ErrTimeout):
		return "timeout"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return "key_conflict"
	}
	return "ledger"
}

// failResult marks rec failed and returns the resulting record. A concurrent
// fetch may have settled it first, in which case that outcome is returned.
func (s *Service) failResult(ctx context.Context, rec Record, kind FailureKind, msg string) (Result, error) {
	updated, err := s.fail(ctx, rec, kind, msg)
	if errors.Is(err, ErrTerminal) {
		return s.settled(ctx, updated, s.log), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("mark generation failed: %w", err)
	}
	return resultOf(updated), nil
}

func (s *Service) fail(ctx context.Context, rec Record, kind FailureKind, msg string) (Record, error) {
	updated, err := s.records.UpdateRecord(ctx, rec.UID, rec.ID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrTerminal
		}
		t := s.now().UTC()
		r.Status = StatusFailed
		r.FailureKind = kind
		r.Error = msg
		r.UpdatedAt = t
		r.CompletedAt = &t
		return nil
	})
	if err == nil {
		metrics.GenerationTransitions.WithLabelValues(rec.Provider, string(StatusFailed)).Inc()
	}
	return updated, err
}

// settled reports a record another caller already moved to a terminal state.
func (s *Service) settled(ctx context.Context, rec Record, log zerolog.Logger) Result {
	if rec.Status == StatusCompleted {
		return s.refetchCompleted(ctx, rec, log)
	}
	return s.failedResult(ctx, rec, log)
}

func resultOf(rec Record) Result {
	res := Result{
		RecordID:          rec.ID,
		Status:            rec.Status,
		Images:            urls(rec.Images),
		Videos:            urls(rec.Videos),
		BilledCredits:     rec.BilledCredits,
		BillingUnresolved: rec.BillingUnresolved(),
		Error:             rec.Error,
		FailureKind:       rec.FailureKind,
	}
	if res.BillingUnresolved {
		res.BillingErr = fmt.Errorf("%w: %s", ErrBillingUnresolved, rec.Error)
	}
	return res
}

func urls(arts []Artifact) []string {
	if len(arts) == 0 {
		return nil
	}
	out := make([]string, len(arts))
	for i, a := range arts {
		out[i] = a.URL
	}
	return out
}
