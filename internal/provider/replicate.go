package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultReplicateBaseURL is the Replicate HTTP API.
const DefaultReplicateBaseURL = "https://api.replicate.com"

// DefaultReplicateModels maps gateway model names to Replicate model slugs.
var DefaultReplicateModels = map[string]string{
	"flux-schnell": "black-forest-labs/flux-schnell",
	"flux-dev":     "black-forest-labs/flux-dev",
}

// ReplicateConfig configures the Replicate adapter.
type ReplicateConfig struct {
	Token   string
	BaseURL string
	Models  map[string]string
	Timeout time.Duration
}

// Replicate implements Adapter for Replicate predictions.
type Replicate struct {
	http   httpClient
	models map[string]string
}

// NewReplicate returns a Replicate adapter.
func NewReplicate(cfg ReplicateConfig, logger zerolog.Logger) (*Replicate, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: replicate: REPLICATE_API_TOKEN is empty", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultReplicateBaseURL
	}
	models := cfg.Models
	if len(models) == 0 {
		models = DefaultReplicateModels
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.Token)
	return &Replicate{
		http:   newHTTPClient("replicate", cfg.BaseURL, h, cfg.Timeout, logger),
		models: models,
	}, nil
}

func (r *Replicate) Name() string { return "replicate" }

func (r *Replicate) Submit(ctx context.Context, model string, in Input) (string, error) {
	slug, ok := r.models[model]
	if !ok {
		return "", fmt.Errorf("%w: replicate %s", ErrUnsupportedModel, model)
	}
	body := []byte(`{"input":{}}`)
	var err error
	if body, err = sjson.SetBytes(body, "input.prompt", in.Prompt); err != nil {
		return "", err
	}
	if in.ImageURL != "" {
		if body, err = sjson.SetBytes(body, "input.image", in.ImageURL); err != nil {
			return "", err
		}
	}
	if in.Params.NumImages > 0 {
		if body, err = sjson.SetBytes(body, "input.num_outputs", in.Params.NumImages); err != nil {
			return "", err
		}
	}
	if in.Params.AspectRatio != "" {
		if body, err = sjson.SetBytes(body, "input.aspect_ratio", in.Params.AspectRatio); err != nil {
			return "", err
		}
	}
	raw, err := r.http.do(ctx, "submit", http.MethodPost, "/v1/models/"+slug+"/predictions", body)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return "", fmt.Errorf("%w: replicate submit: missing id", ErrMalformedResponse)
	}
	return id, nil
}

func (r *Replicate) Status(ctx context.Context, _ string, taskID string) (Report, error) {
	raw, err := r.prediction(ctx, "status", taskID)
	if err != nil {
		return Report{}, err
	}
	res := gjson.ParseBytes(raw)
	switch res.Get("status").String() {
	case "starting":
		return Report{Status: StatusQueued}, nil
	case "processing":
		return Report{Status: StatusInProgress}, nil
	case "succeeded":
		return Report{Status: StatusCompleted}, nil
	case "failed", "canceled":
		msg := res.Get("error").String()
		if msg == "" {
			msg = "prediction " + res.Get("status").String()
		}
		return Report{Status: StatusFailed, Error: msg}, nil
	}
	return Report{}, fmt.Errorf("%w: replicate status %q", ErrMalformedResponse, res.Get("status").String())
}

func (r *Replicate) Result(ctx context.Context, _ string, taskID string) (*Payload, error) {
	raw, err := r.prediction(ctx, "result", taskID)
	if err != nil {
		return nil, err
	}
	if st := gjson.GetBytes(raw, "status").String(); st != "succeeded" {
		return nil, fmt.Errorf("%w: replicate prediction %s is %q", ErrMalformedResponse, taskID, st)
	}
	return &Payload{
		Raw:        raw,
		ImagePaths: []string{"output"},
		VideoPaths: []string{"output"},
	}, nil
}

func (r *Replicate) prediction(ctx context.Context, call, id string) ([]byte, error) {
	raw, err := r.http.do(ctx, call, http.MethodGet, "/v1/predictions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: replicate response is not json", ErrMalformedResponse)
	}
	return raw, nil
}
