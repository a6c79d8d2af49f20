package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultFalBaseURL is the FAL queue endpoint.
const DefaultFalBaseURL = "https://queue.fal.run"

// DefaultFalRoutes maps gateway model names to FAL application paths.
// Keys are "model/kind" or plain "model".
var DefaultFalRoutes = map[string]string{
	"kling-v2.5-turbo-pro/t2v": "fal-ai/kling-video/v2.5-turbo/pro/text-to-video",
	"kling-v2.5-turbo-pro/i2v": "fal-ai/kling-video/v2.5-turbo/pro/image-to-video",
	"kling-v2.1/t2v":           "fal-ai/kling-video/v2.1/standard/text-to-video",
	"kling-v2.1/i2v":           "fal-ai/kling-video/v2.1/standard/image-to-video",
	"veo3-fast/t2v":            "fal-ai/veo3/fast",
	"veo3-fast/i2v":            "fal-ai/veo3/fast/image-to-video",
}

// FalConfig configures the FAL adapter.
type FalConfig struct {
	APIKey  string
	BaseURL string
	Routes  map[string]string
	Timeout time.Duration
}

// Fal implements Adapter for the FAL queue API.
type Fal struct {
	http   httpClient
	routes map[string]string
}

// NewFal returns a FAL adapter. It fails with ErrNotConfigured when the key
// is missing.
func NewFal(cfg FalConfig, logger zerolog.Logger) (*Fal, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: fal: FAL_API_KEY is empty", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFalBaseURL
	}
	routes := cfg.Routes
	if len(routes) == 0 {
		routes = DefaultFalRoutes
	}
	h := http.Header{}
	h.Set("Authorization", "Key "+cfg.APIKey)
	return &Fal{
		http:   newHTTPClient("fal", cfg.BaseURL, h, cfg.Timeout, logger),
		routes: routes,
	}, nil
}

func (f *Fal) Name() string { return "fal" }

func (f *Fal) Submit(ctx context.Context, model string, in Input) (string, error) {
	endpoint, err := f.route(model, in.Params.Kind)
	if err != nil {
		return "", err
	}
	body, err := falInput(in)
	if err != nil {
		return "", err
	}
	raw, err := f.http.do(ctx, "submit", http.MethodPost, "/"+endpoint, body)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(raw, "request_id").String()
	if id == "" {
		return "", fmt.Errorf("%w: fal submit: missing request_id", ErrMalformedResponse)
	}
	return id, nil
}

func (f *Fal) Status(ctx context.Context, model, taskID string) (Report, error) {
	app, err := f.app(model)
	if err != nil {
		return Report{}, err
	}
	raw, err := f.http.do(ctx, "status", http.MethodGet, "/"+app+"/requests/"+url.PathEscape(taskID)+"/status", nil)
	if err != nil {
		return Report{}, err
	}
	res := gjson.ParseBytes(raw)
	switch strings.ToUpper(res.Get("status").String()) {
	case "IN_QUEUE":
		return Report{Status: StatusQueued}, nil
	case "IN_PROGRESS":
		return Report{Status: StatusInProgress}, nil
	case "COMPLETED":
		if msg := res.Get("error").String(); msg != "" {
			return Report{Status: StatusFailed, Error: msg}, nil
		}
		return Report{Status: StatusCompleted}, nil
	case "FAILED", "ERROR", "CANCELLED":
		return Report{Status: StatusFailed, Error: res.Get("error").String()}, nil
	}
	return Report{}, fmt.Errorf("%w: fal status %q", ErrMalformedResponse, res.Get("status").String())
}

func (f *Fal) Result(ctx context.Context, model, taskID string) (*Payload, error) {
	app, err := f.app(model)
	if err != nil {
		return nil, err
	}
	raw, err := f.http.do(ctx, "result", http.MethodGet, "/"+app+"/requests/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: fal result is not json", ErrMalformedResponse)
	}
	return &Payload{
		Raw:        raw,
		ImagePaths: []string{"images", "image"},
		VideoPaths: []string{"video", "videos"},
	}, nil
}

func (f *Fal) route(model, kind string) (string, error) {
	if r, ok := f.routes[model+"/"+kind]; ok {
		return r, nil
	}
	if r, ok := f.routes[model]; ok {
		return r, nil
	}
	return "", fmt.Errorf("%w: fal %s (%s)", ErrUnsupportedModel, model, kind)
}

// app returns the "owner/app" prefix FAL uses for status and result urls,
// which is shared by every route of a model.
func (f *Fal) app(model string) (string, error) {
	endpoint, ok := f.routes[model]
	if !ok {
		keys := make([]string, 0, len(f.routes))
		for k := range f.routes {
			if strings.HasPrefix(k, model+"/") {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return "", fmt.Errorf("%w: fal %s", ErrUnsupportedModel, model)
		}
		sort.Strings(keys)
		endpoint = f.routes[keys[0]]
	}
	parts := strings.SplitN(endpoint, "/", 3)
	if len(parts) < 2 {
		return endpoint, nil
	}
	return parts[0] + "/" + parts[1], nil
}

func falInput(in Input) ([]byte, error) {
	body := []byte(`{}`)
	set := func(path string, v any) error {
		var err error
		body, err = sjson.SetBytes(body, path, v)
		return err
	}
	if err := set("prompt", in.Prompt); err != nil {
		return nil, err
	}
	p := in.Params
	fields := []struct {
		path string
		v    any
		ok   bool
	}{
		{"image_url", in.ImageURL, in.ImageURL != ""},
		{"duration", strings.TrimSuffix(p.Duration, "s"), p.Duration != ""},
		{"resolution", p.Resolution, p.Resolution != ""},
		{"aspect_ratio", p.AspectRatio, p.AspectRatio != ""},
		{"generate_audio", p.GenerateAudio, p.Kind == "t2v" || p.Kind == "i2v"},
		{"num_images", p.NumImages, p.NumImages > 0},
	}
	for _, f := range fields {
		if !f.ok {
			continue
		}
		if err := set(f.path, f.v); err != nil {
			return nil, err
		}
	}
	return body, nil
}
