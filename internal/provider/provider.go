// Package provider talks to external generation APIs.
//
// Every adapter follows the same queue model: Submit returns a task id,
// Status polls it, and Result fetches the raw payload once the task has
// completed. Adapters never touch the ledger.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/kelpejol/creditgate/internal/pricing"
)

var (
	// ErrUnsupportedProvider is returned for provider names the gateway does
	// not know at all.
	ErrUnsupportedProvider = errors.New("provider: unsupported")
	// ErrNotConfigured is returned for known providers without credentials.
	ErrNotConfigured = errors.New("provider: not configured")
	// ErrUnsupportedModel is returned when the adapter has no route for a model.
	ErrUnsupportedModel = errors.New("provider: unsupported model")
	// ErrMalformedResponse is returned when a provider response cannot be
	// interpreted.
	ErrMalformedResponse = errors.New("provider: malformed response")
)

// Status is the provider-side state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Input is the provider-agnostic request.
type Input struct {
	Prompt   string
	ImageURL string
	Params   pricing.Params
}

// Report is the result of a status probe.
type Report struct {
	Status Status
	Error  string
}

// Adapter is implemented by each provider integration.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, model string, in Input) (string, error)
	Status(ctx context.Context, model, taskID string) (Report, error)
	Result(ctx context.Context, model, taskID string) (*Payload, error)
}

// Payload is a raw provider result.
type Payload struct {
	Raw []byte
	// Paths are gjson paths probed for artifact urls, most specific first.
	ImagePaths []string
	VideoPaths []string
}

// Get exposes arbitrary fields of the payload.
func (p *Payload) Get(path string) gjson.Result {
	return gjson.GetBytes(p.Raw, path)
}

// ImageURLs returns the image artifact urls.
func (p *Payload) ImageURLs() []string {
	return p.collect(p.ImagePaths, false)
}

// VideoURLs returns the video artifact urls.
func (p *Payload) VideoURLs() []string {
	return p.collect(p.VideoPaths, true)
}

// Error returns a provider-reported error message, if any.
func (p *Payload) Error() string {
	for _, path := range []string{"error", "detail", "error.message"} {
		r := p.Get(path)
		if r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func (p *Payload) collect(paths []string, video bool) []string {
	var out []string
	seen := map[string]bool{}
	for _, path := range paths {
		for _, u := range urlsOf(p.Get(path)) {
			if seen[u] {
				continue
			}
			if isVideoURL(u) != video {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// urlsOf accepts a string, an object with a url field, or arrays of either.
func urlsOf(r gjson.Result) []string {
	switch {
	case !r.Exists():
		return nil
	case r.Type == gjson.String:
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}
		}
		return nil
	case r.IsArray():
		var out []string
		r.ForEach(func(_, v gjson.Result) bool {
			out = append(out, urlsOf(v)...)
			return true
		})
		return out
	case r.IsObject():
		return urlsOf(r.Get("url"))
	}
	return nil
}

var videoExts = []string{".mp4", ".mov", ".webm", ".m4v"}

func isVideoURL(u string) bool {
	path := strings.ToLower(u)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, ext := range videoExts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// Registry resolves provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	missing  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}, missing: map[string]string{}}
}

// Register adds an adapter under its name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	delete(r.missing, a.Name())
}

// MarkUnconfigured records a known provider whose credentials are absent,
// so lookups fail with ErrNotConfigured instead of ErrUnsupportedProvider.
func (r *Registry) MarkUnconfigured(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		r.missing[name] = reason
	}
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	if reason, ok := r.missing[name]; ok {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotConfigured, name, reason)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
}

// Names lists the configured providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
