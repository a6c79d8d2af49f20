package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kelpejol/creditgate/internal/pricing"
)

func TestReplicateLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models/black-forest-labs/flux-schnell/predictions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"p1","status":"starting"}`))
	})
	mux.HandleFunc("GET /v1/predictions/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"p1","status":"succeeded","output":["https://r.example/a.png","https://r.example/b.webp"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rep, err := NewReplicate(ReplicateConfig{Token: "tok", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := rep.Submit(ctx, "flux-schnell", Input{Prompt: "p", Params: pricing.Params{Kind: "t2i", NumImages: 2}})
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	st, err := rep.Status(ctx, "flux-schnell", id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)

	payload, err := rep.Result(ctx, "flux-schnell", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://r.example/a.png", "https://r.example/b.webp"}, payload.ImageURLs())
	assert.Empty(t, payload.VideoURLs())
}

func TestReplicateFailedPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"p2","status":"failed","error":"NSFW content detected"}`))
	}))
	defer srv.Close()

	rep, err := NewReplicate(ReplicateConfig{Token: "tok", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	st, err := rep.Status(context.Background(), "flux-schnell", "p2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "NSFW content detected", st.Error)

	_, err = rep.Result(context.Background(), "flux-schnell", "p2")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestPayloadURLShapes(t *testing.T) {
	p := &Payload{
		Raw:        []byte(`{"images":[{"url":"https://x/1.png"},{"url":"https://x/1.png"}],"video":"https://x/v.MP4?sig=1","error":"partial"}`),
		ImagePaths: []string{"images"},
		VideoPaths: []string{"video"},
	}
	assert.Equal(t, []string{"https://x/1.png"}, p.ImageURLs())
	assert.Equal(t, []string{"https://x/v.MP4?sig=1"}, p.VideoURLs())
	assert.Equal(t, "partial", p.Error())
	assert.Equal(t, gjson.String, p.Get("video").Type)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	fal, err := NewFal(FalConfig{APIKey: "k"}, zerolog.Nop())
	require.NoError(t, err)
	reg.Register(fal)
	reg.MarkUnconfigured("replicate", "REPLICATE_API_TOKEN is empty")

	a, err := reg.Get("fal")
	require.NoError(t, err)
	assert.Equal(t, "fal", a.Name())

	_, err = reg.Get("replicate")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = reg.Get("midjourney")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	assert.Equal(t, []string{"fal"}, reg.Names())
}
