// Package payments turns Stripe checkout completions into ledger grants.
//
// A checkout.session.completed event carries the purchase in the session
// metadata:
//
//	user_id    required
//	credits    required, positive integer
//	plan_code  optional; when present the purchase is a plan switch
//
// Plan purchases go through GrantAndSetPlan (the balance is reset to the
// plan allotment), everything else through GrantIncrement. The idempotency
// key is "stripe:" + the checkout session id, so Stripe's redelivery of the
// same event never grants twice.
package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/kelpejol/creditgate/internal/ledger"
)

// Ledger reasons for Stripe grants.
const (
	ReasonPlanPurchase = "plan_purchase"
	ReasonTopUp        = "topup"
)

var (
	ErrNotConfigured = errors.New("payments: webhook secret not configured")
	ErrSignature     = errors.New("payments: invalid webhook signature")
	ErrMetadata      = errors.New("payments: invalid checkout metadata")
)

// maxBody bounds webhook payloads; Stripe events are far smaller.
const maxBody = 1 << 20

// Granter is the part of the ledger engine used for purchases.
type Granter interface {
	GrantAndSetPlan(ctx context.Context, userID, key string, credits int64, planCode, reason string, meta ledger.Meta) (ledger.Outcome, error)
	GrantIncrement(ctx context.Context, userID, key string, amount int64, reason string, meta ledger.Meta) (ledger.Outcome, error)
}

// Fulfillment describes what an event did.
type Fulfillment struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Handled   bool           `json:"handled"`
	UserID    string         `json:"user_id,omitempty"`
	Credits   int64          `json:"credits,omitempty"`
	PlanCode  string         `json:"plan_code,omitempty"`
	Outcome   ledger.Outcome `json:"outcome,omitempty"`
}

// Webhook verifies and applies Stripe events.
type Webhook struct {
	secret  string
	granter Granter
	log     zerolog.Logger
}

// NewWebhook returns a Webhook. An empty secret rejects every event.
func NewWebhook(secret string, granter Granter, logger zerolog.Logger) *Webhook {
	return &Webhook{
		secret:  strings.TrimSpace(secret),
		granter: granter,
		log:     logger.With().Str("component", "stripe_webhook").Logger(),
	}
}

// Handle verifies payload against the Stripe-Signature header and applies it.
// Event types other than a completed, paid checkout are acknowledged and
// ignored.
func (w *Webhook) Handle(ctx context.Context, payload []byte, signature string) (Fulfillment, error) {
	if w.secret == "" {
		return Fulfillment{}, ErrNotConfigured
	}
	event, err := stripeWebhook.ConstructEventWithOptions(payload, signature, w.secret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Fulfillment{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	f := Fulfillment{EventID: event.ID, EventType: string(event.Type)}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return f, nil
	}
	if status := strings.TrimSpace(event.GetObjectValue("status")); status != "complete" {
		return f, nil
	}
	if paid := strings.TrimSpace(event.GetObjectValue("payment_status")); paid != "paid" && paid != "no_payment_required" {
		w.log.Info().Str("event_id", event.ID).Str("payment_status", paid).Msg("checkout not paid yet, skipping")
		return f, nil
	}

	sessionID := strings.TrimSpace(event.GetObjectValue("id"))
	f.UserID = strings.TrimSpace(event.GetObjectValue("metadata", "user_id"))
	f.PlanCode = strings.TrimSpace(event.GetObjectValue("metadata", "plan_code"))
	credits, err := strconv.ParseInt(strings.TrimSpace(event.GetObjectValue("metadata", "credits")), 10, 64)
	if sessionID == "" || f.UserID == "" || err != nil || credits <= 0 {
		return f, fmt.Errorf("%w: session %q needs metadata user_id and positive credits", ErrMetadata, sessionID)
	}
	f.Credits = credits

	key := "stripe:" + sessionID
	if f.PlanCode != "" {
		f.Outcome, err = w.granter.GrantAndSetPlan(ctx, f.UserID, key, credits, f.PlanCode, ReasonPlanPurchase,
			ledger.PlanMeta{PlanCode: f.PlanCode, Source: "stripe", Reference: sessionID})
	} else {
		f.Outcome, err = w.granter.GrantIncrement(ctx, f.UserID, key, credits, ReasonTopUp,
			ledger.TopUpMeta{Source: "stripe", Reference: sessionID})
	}
	if err != nil {
		return f, fmt.Errorf("apply checkout %s: %w", sessionID, err)
	}
	f.Handled = true

	w.log.Info().
		Str("event_id", event.ID).
		Str("user_id", f.UserID).
		Int64("credits", credits).
		Str("plan_code", f.PlanCode).
		Str("outcome", string(f.Outcome)).
		Msg("checkout fulfilled")
	return f, nil
}

// ServeHTTP implements the webhook endpoint. Stripe retries on any non-2xx
// response, so only errors worth retrying return 5xx.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil || len(payload) == 0 {
		http.Error(rw, "empty body", http.StatusBadRequest)
		return
	}

	_, err = w.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		rw.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrNotConfigured):
		http.NotFound(rw, r)
	case errors.Is(err, ErrSignature):
		w.log.Warn().Err(err).Msg("rejected webhook")
		http.Error(rw, "invalid signature", http.StatusBadRequest)
	case errors.Is(err, ErrMetadata), errors.Is(err, ledger.ErrIdempotencyConflict), errors.Is(err, ledger.ErrInvalidAmount):
		// Redelivery cannot fix these.
		w.log.Error().Err(err).Msg("unfulfillable checkout")
		rw.WriteHeader(http.StatusOK)
	default:
		w.log.Error().Err(err).Msg("checkout fulfillment failed")
		http.Error(rw, "fulfillment failed", http.StatusInternalServerError)
	}
}
