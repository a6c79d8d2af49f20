package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditgate/internal/pricing"
)

func newFalServer(t *testing.T, status string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fal-ai/kling-video/v2.5-turbo/pro/text-to-video", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var in map[string]any
		require.NoError(t, json.Unmarshal(body, &in))
		assert.Equal(t, "a cat", in["prompt"])
		assert.Equal(t, "5", in["duration"])
		w.Write([]byte(`{"request_id":"req-123","status_url":"ignored"}`))
	})
	mux.HandleFunc("GET /fal-ai/kling-video/requests/req-123/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"` + status + `"}`))
	})
	mux.HandleFunc("GET /fal-ai/kling-video/requests/req-123", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"video":{"url":"https://cdn.example/out.mp4","content_type":"video/mp4"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFalLifecycle(t *testing.T) {
	srv := newFalServer(t, "IN_PROGRESS")
	fal, err := NewFal(FalConfig{APIKey: "test-key", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := fal.Submit(ctx, "kling-v2.5-turbo-pro", Input{
		Prompt: "a cat",
		Params: pricing.Params{Kind: "t2v", Duration: "5s"},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-123", id)

	rep, err := fal.Status(ctx, "kling-v2.5-turbo-pro", id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rep.Status)

	payload, err := fal.Result(ctx, "kling-v2.5-turbo-pro", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/out.mp4"}, payload.VideoURLs())
	assert.Empty(t, payload.ImageURLs())
}

func TestFalCompletedWithError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fal-ai/veo3/requests/r1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"COMPLETED","error":"content policy"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fal, err := NewFal(FalConfig{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	rep, err := fal.Status(context.Background(), "veo3-fast", "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, "content policy", rep.Error)
}

func TestFalHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	fal, err := NewFal(FalConfig{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	_, err = fal.Submit(context.Background(), "veo3-fast", Input{Params: pricing.Params{Kind: "t2v"}})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.Status)
	assert.True(t, httpErr.Temporary())
}

func TestFalUnsupportedModel(t *testing.T) {
	fal, err := NewFal(FalConfig{APIKey: "k", BaseURL: "http://unused"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = fal.Submit(context.Background(), "unknown", Input{})
	assert.True(t, errors.Is(err, ErrUnsupportedModel))
	_, err = fal.Status(context.Background(), "unknown", "x")
	assert.True(t, errors.Is(err, ErrUnsupportedModel))
}

func TestNewFalRequiresKey(t *testing.T) {
	_, err := NewFal(FalConfig{}, zerolog.Nop())
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
