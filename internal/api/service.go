// Package api implements the gRPC GenerationService.
//
// The service is the interface layer between external clients and the
// generation and ledger services. Messages are google.protobuf.Struct
// documents whose fields mirror the REST JSON bodies, so both transports
// share one request/response vocabulary.
//
// Responsibilities:
// 1. Request decoding and validation
// 2. Routing to the generation service or the ledger engine
// 3. Error translation (internal errors -> gRPC status codes)
//
// Thread safety: all methods are safe for concurrent use. No mutable state
// is kept in this layer.
package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/pricing"
	"github.com/kelpejol/creditgate/internal/provider"
)

// Generations is the generation lifecycle used by the API.
type Generations interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (generation.Submission, error)
	PollStatus(ctx context.Context, userID string, ref generation.Ref) (provider.Status, error)
	FetchResult(ctx context.Context, userID string, ref generation.Ref) (generation.Result, error)
}

// Accounts is the read side of the ledger used by the API.
type Accounts interface {
	GetAccount(ctx context.Context, userID string) (ledger.Account, error)
	ReconcileBalance(ctx context.Context, userID string) (ledger.Reconciliation, error)
}

// SubmitGenerationRequest is the SubmitGeneration message.
type SubmitGenerationRequest struct {
	UserID   string         `json:"user_id"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt"`
	ImageURL string         `json:"image_url,omitempty"`
	Params   pricing.Params `json:"params"`
}

// GenerationRef addresses a generation in PollStatus and FetchResult.
type GenerationRef struct {
	UserID         string `json:"user_id"`
	RecordID       string `json:"generation_record_id,omitempty"`
	ProviderTaskID string `json:"provider_task_id,omitempty"`
}

// StatusResponse is the PollStatus reply.
type StatusResponse struct {
	Status provider.Status `json:"status"`
}

// AccountRequest is the GetAccount and ReconcileAccount message.
type AccountRequest struct {
	UserID string `json:"user_id"`
}

// GenerationService implements GenerationServer.
type GenerationService struct {
	generations Generations
	accounts    Accounts
	log         zerolog.Logger
}

// NewGenerationService creates a new GenerationService instance.
func NewGenerationService(g Generations, a Accounts, logger zerolog.Logger) *GenerationService {
	return &GenerationService{
		generations: g,
		accounts:    a,
		log:         logger.With().Str("component", "generation_service").Logger(),
	}
}

// SubmitGeneration creates a generation record and dispatches it to the
// provider. Nothing is charged here.
func (s *GenerationService) SubmitGeneration(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitGenerationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}

	sub, err := s.generations.Submit(ctx, generation.SubmitRequest{
		UserID:   req.UserID,
		Provider: req.Provider,
		Model:    req.Model,
		Prompt:   req.Prompt,
		ImageURL: req.ImageURL,
		Params:   req.Params,
	})
	if err != nil {
		return nil, s.toStatus(err, "submit generation")
	}

	s.log.Info().
		Str("user_id", req.UserID).
		Str("provider", req.Provider).
		Str("model", req.Model).
		Str("generation_record_id", sub.RecordID).
		Int64("estimated_cost", sub.EstimatedCost).
		Msg("generation submitted")
	return encode(sub)
}

// PollStatus is a read-through provider status probe.
func (s *GenerationService) PollStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	st, err := s.generations.PollStatus(ctx, req.UserID, ref)
	if err != nil {
		return nil, s.toStatus(err, "poll status")
	}
	return encode(StatusResponse{Status: st})
}

// FetchResult reconciles a generation and charges for it exactly once.
// Calling it repeatedly is safe.
func (s *GenerationService) FetchResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()

	req, ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	res, err := s.generations.FetchResult(ctx, req.UserID, ref)
	if err != nil {
		return nil, s.toStatus(err, "fetch result")
	}

	s.log.Debug().
		Str("user_id", req.UserID).
		Str("generation_record_id", res.RecordID).
		Str("status", string(res.Status)).
		Bool("billed", res.Billed).
		Dur("duration_ms", time.Since(start)).
		Msg("fetch_result completed")
	return encode(res)
}

// GetAccount returns the live account document.
func (s *GenerationService) GetAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AccountRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	acct, err := s.accounts.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, s.toStatus(err, "get account")
	}
	return encode(acct)
}

// ReconcileAccount recomputes the balance from the ledger. It is read-only.
func (s *GenerationService) ReconcileAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AccountRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	rec, err := s.accounts.ReconcileBalance(ctx, req.UserID)
	if err != nil {
		return nil, s.toStatus(err, "reconcile account")
	}
	if rec.Drift != 0 {
		s.log.Warn().
			Str("user_id", req.UserID).
			Int64("live_balance", rec.LiveBalance).
			Int64("calculated_balance", rec.CalculatedBalance).
			Int64("drift", rec.Drift).
			Msg("balance drift detected")
	}
	return encode(rec)
}

func decodeRef(in *structpb.Struct) (GenerationRef, generation.Ref, error) {
	var req GenerationRef
	if err := decode(in, &req); err != nil {
		return req, generation.Ref{}, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return req, generation.Ref{}, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	if req.RecordID == "" && req.ProviderTaskID == "" {
		return req, generation.Ref{}, status.Errorf(codes.InvalidArgument, "generation_record_id or provider_task_id is required")
	}
	return req, generation.Ref{RecordID: req.RecordID, TaskID: req.ProviderTaskID}, nil
}

// Code maps a service error to a gRPC code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, generation.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, pricing.ErrUnknownSKU),
		errors.Is(err, pricing.ErrUnsupportedModel),
		errors.Is(err, provider.ErrUnsupportedModel),
		errors.Is(err, provider.ErrUnsupportedProvider):
		return codes.InvalidArgument
	case errors.Is(err, generation.ErrRecordNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrEntryNotFound):
		return codes.NotFound
	case errors.Is(err, provider.ErrNotConfigured):
		return codes.FailedPrecondition
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return codes.AlreadyExists
	case errors.Is(err, generation.ErrNotReady), ledger.IsRetryable(err):
		return codes.Unavailable
	case errors.Is(err, generation.ErrProviderFailed):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

func (s *GenerationService) toStatus(err error, op string) error {
	code := Code(err)
	if code == codes.Internal {
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	return status.Errorf(code, "%s: %v", op, err)
}
