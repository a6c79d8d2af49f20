package payments

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/store/memory"
)

const secret = "whsec_test_secret"

func checkoutEvent(sessionID, userID, credits, planCode string) []byte {
	plan := ""
	if planCode != "" {
		plan = fmt.Sprintf(`,"plan_code":%q`, planCode)
	}
	return []byte(fmt.Sprintf(`{
  "id": "evt_%s",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {"object": {
    "id": %q,
    "object": "checkout.session",
    "status": "complete",
    "payment_status": "paid",
    "metadata": {"user_id": %q, "credits": %q%s}
  }}
}`, sessionID, sessionID, userID, credits, plan))
}

func sign(payload []byte) string {
	return stripeWebhook.GenerateTestSignedPayload(&stripeWebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func setup(t *testing.T) (*Webhook, *ledger.Engine) {
	t.Helper()
	engine := ledger.NewEngine(memory.New(), zerolog.Nop())
	return NewWebhook(secret, engine, zerolog.Nop()), engine
}

func TestTopUpIsGrantedOnce(t *testing.T) {
	w, engine := setup(t)
	ctx := context.Background()
	payload := checkoutEvent("cs_1", "u1", "250", "")

	f, err := w.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.True(t, f.Handled)
	assert.Equal(t, ledger.Written, f.Outcome)

	f, err = w.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, ledger.Skipped, f.Outcome)

	acct, err := engine.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), acct.CreditBalance)

	entries, err := engine.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stripe:cs_1", entries[0].IdempotencyKey)
	assert.Equal(t, ledger.TopUpMeta{Source: "stripe", Reference: "cs_1"}, entries[0].Meta)
}

func TestPlanPurchaseResetsBalance(t *testing.T) {
	w, engine := setup(t)
	ctx := context.Background()

	_, err := engine.GrantIncrement(ctx, "u1", "old", 40, "topup", nil)
	require.NoError(t, err)

	payload := checkoutEvent("cs_plan", "u1", "1000", "pro")
	f, err := w.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, "pro", f.PlanCode)

	acct, err := engine.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.CreditBalance)
	assert.Equal(t, "pro", acct.PlanCode)
}

func TestRejectsBadSignatureAndMetadata(t *testing.T) {
	w, _ := setup(t)
	ctx := context.Background()

	payload := checkoutEvent("cs_2", "u1", "10", "")
	_, err := w.Handle(ctx, payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrSignature)

	payload = checkoutEvent("cs_3", "", "10", "")
	_, err = w.Handle(ctx, payload, sign(payload))
	assert.ErrorIs(t, err, ErrMetadata)

	payload = checkoutEvent("cs_4", "u1", "-5", "")
	_, err = w.Handle(ctx, payload, sign(payload))
	assert.ErrorIs(t, err, ErrMetadata)

	_, err = NewWebhook("", nil, zerolog.Nop()).Handle(ctx, payload, sign(payload))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestOtherEventsAreAcknowledged(t *testing.T) {
	w, _ := setup(t)
	payload := []byte(`{"id":"evt_x","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)

	f, err := w.Handle(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	assert.False(t, f.Handled)
	assert.Equal(t, "invoice.paid", f.EventType)
}

func TestServeHTTPStatusCodes(t *testing.T) {
	w, _ := setup(t)

	post := func(body []byte, sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		w.ServeHTTP(rec, req)
		return rec.Code
	}

	good := checkoutEvent("cs_http", "u1", "5", "")
	assert.Equal(t, http.StatusOK, post(good, sign(good)))
	assert.Equal(t, http.StatusBadRequest, post(good, "t=1,v1=00"))

	noUser := checkoutEvent("cs_nouser", "", "5", "")
	assert.Equal(t, http.StatusOK, post(noUser, sign(noUser)))
}
