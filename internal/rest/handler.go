// Package rest provides the HTTP/JSON API for creditgate.
//
// Endpoints:
//
//	GET  /v1/users/{userID}/account                      - Live account document
//	GET  /v1/users/{userID}/account/entries              - Ledger entries
//	POST /v1/users/{userID}/account/reconcile            - Ledger-derived balance audit
//	GET  /v1/users/{userID}/generations                  - Generation history
//	POST /v1/users/{userID}/generations                  - Submit a generation
//	GET  /v1/users/{userID}/generations/{ref}            - One generation record
//	GET  /v1/users/{userID}/generations/{ref}/status     - Provider status probe
//	POST /v1/users/{userID}/generations/{ref}/result     - Fetch, persist and bill
//	POST /v1/callbacks/{provider}?user_id=...            - Provider completion callback
//	POST /v1/webhooks/stripe                             - Stripe checkout webhook
//	GET  /health                                         - Health check
//	GET  /ready                                          - Readiness check
//	GET  /metrics                                        - Prometheus metrics
//
// {ref} is a generation record id, or "task:<provider task id>".
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/ledger"
	"github.com/kelpejol/creditgate/internal/pricing"
	"github.com/kelpejol/creditgate/internal/provider"
)

// Generations is the generation lifecycle served over REST.
type Generations interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (generation.Submission, error)
	PollStatus(ctx context.Context, userID string, ref generation.Ref) (provider.Status, error)
	FetchResult(ctx context.Context, userID string, ref generation.Ref) (generation.Result, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]generation.Record, error)
	Get(ctx context.Context, userID string, ref generation.Ref) (generation.Record, error)
}

// Accounts is the ledger side served over REST.
type Accounts interface {
	GetAccount(ctx context.Context, userID string) (ledger.Account, error)
	ReconcileBalance(ctx context.Context, userID string) (ledger.Reconciliation, error)
	Entries(ctx context.Context, userID string) ([]ledger.Entry, error)
}

// Config collects the handler's collaborators. Optional fields may be nil.
type Config struct {
	Generations Generations
	Accounts    Accounts
	// Callbacks schedules a result fetch for a provider callback.
	Callbacks func(userID string, ref generation.Ref) error
	// Stripe serves the payments webhook.
	Stripe http.Handler
	// Ready reports whether dependencies are reachable.
	Ready func(ctx context.Context) error
	// Media serves persisted artifacts under /media/.
	Media http.Handler
}

// Handler provides REST API endpoints.
type Handler struct {
	cfg Config
	log zerolog.Logger
}

// NewHandler creates a new REST API handler.
func NewHandler(cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg: cfg,
		log: logger.With().Str("component", "rest_handler").Logger(),
	}
}

// Routes returns the chi router with all routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(h.log))
	r.Use(CORS)

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Get("/account", h.handleGetAccount)
		r.Get("/account/entries", h.handleEntries)
		r.Post("/account/reconcile", h.handleReconcile)
		r.Get("/generations", h.handleListGenerations)
		r.Post("/generations", h.handleSubmit)
		r.Get("/generations/{ref}", h.handleGetGeneration)
		r.Get("/generations/{ref}/status", h.handleStatus)
		r.Post("/generations/{ref}/result", h.handleResult)
	})
	r.Post("/v1/callbacks/{provider}", h.handleCallback)
	if h.cfg.Stripe != nil {
		r.Method(http.MethodPost, "/v1/webhooks/stripe", h.cfg.Stripe)
	}
	if h.cfg.Media != nil {
		r.Handle("/media/*", http.StripPrefix("/media/", h.cfg.Media))
	}

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type submitBody struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt"`
	ImageURL string         `json:"image_url"`
	Params   pricing.Params `json:"params"`
}

// handleSubmit handles POST /v1/users/{userID}/generations
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	sub, err := h.cfg.Generations.Submit(r.Context(), generation.SubmitRequest{
		UserID:   chi.URLParam(r, "userID"),
		Provider: body.Provider,
		Model:    body.Model,
		Prompt:   body.Prompt,
		ImageURL: body.ImageURL,
		Params:   body.Params,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sub)
}

// handleListGenerations handles GET /v1/users/{userID}/generations
func (h *Handler) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	recs, err := h.cfg.Generations.ListByUser(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if recs == nil {
		recs = []generation.Record{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"generations": recs})
}

// handleGetGeneration handles GET /v1/users/{userID}/generations/{ref}
func (h *Handler) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cfg.Generations.Get(r.Context(), chi.URLParam(r, "userID"), parseRef(chi.URLParam(r, "ref")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// handleStatus handles GET /v1/users/{userID}/generations/{ref}/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.cfg.Generations.PollStatus(r.Context(), chi.URLParam(r, "userID"), parseRef(chi.URLParam(r, "ref")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": st})
}

// handleResult handles POST /v1/users/{userID}/generations/{ref}/result
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.cfg.Generations.FetchResult(r.Context(), chi.URLParam(r, "userID"), parseRef(chi.URLParam(r, "ref")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// handleGetAccount handles GET /v1/users/{userID}/account
func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.cfg.Accounts.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

type entryView struct {
	ledger.Entry
	Meta map[string]string `json:"meta,omitempty"`
}

// handleEntries handles GET /v1/users/{userID}/account/entries
func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.cfg.Accounts.Entries(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	out := make([]entryView, len(entries))
	for i, e := range entries {
		out[i] = entryView{Entry: e}
		if e.Meta != nil {
			out[i].Meta = ledger.EncodeMeta(e.Meta)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// handleReconcile handles POST /v1/users/{userID}/account/reconcile
func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cfg.Accounts.ReconcileBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// handleCallback handles POST /v1/callbacks/{provider}. The callback URL
// registered with the provider carries user_id (and optionally
// generation_record_id) in its query string; the provider task id is read
// from the body.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Callbacks == nil {
		h.writeError(w, http.StatusNotFound, "Callbacks disabled")
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unreadable body")
		return
	}

	ref := generation.Ref{RecordID: strings.TrimSpace(q.Get("generation_record_id"))}
	if ref.RecordID == "" {
		ref.TaskID = callbackTaskID(chi.URLParam(r, "provider"), body)
	}
	if ref.RecordID == "" && ref.TaskID == "" {
		h.writeError(w, http.StatusBadRequest, "No task id in callback")
		return
	}

	if err := h.cfg.Callbacks(userID, ref); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Str("ref", ref.String()).Msg("callback not scheduled")
		h.writeError(w, http.StatusServiceUnavailable, "Callback not scheduled")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

// callbackTaskID extracts the task id from a provider callback body.
func callbackTaskID(providerName string, body []byte) string {
	switch providerName {
	case "fal":
		return gjson.GetBytes(body, "request_id").String()
	case "replicate":
		return gjson.GetBytes(body, "id").String()
	}
	for _, path := range []string{"request_id", "id", "task_id"} {
		if v := gjson.GetBytes(body, path).String(); v != "" {
			return v
		}
	}
	return ""
}

func parseRef(raw string) generation.Ref {
	if id, ok := strings.CutPrefix(raw, "task:"); ok {
		return generation.Ref{TaskID: id}
	}
	return generation.Ref{RecordID: raw}
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cfg.Ready(ctx); err != nil {
			h.log.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, generation.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, pricing.ErrUnknownSKU),
		errors.Is(err, pricing.ErrUnsupportedModel),
		errors.Is(err, provider.ErrUnsupportedModel),
		errors.Is(err, provider.ErrUnsupportedProvider):
		return http.StatusBadRequest
	case errors.Is(err, generation.ErrRecordNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, generation.ErrNotReady):
		return http.StatusAccepted
	case errors.Is(err, provider.ErrNotConfigured), ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, generation.ErrProviderFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleError converts service errors to HTTP errors.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	statusCode := StatusFor(err)
	if statusCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	}
	h.writeError(w, statusCode, err.Error())
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// CORS middleware for development
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stripe-Signature")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs all HTTP requests
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create a response writer wrapper to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
