package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/creditgate/internal/metrics"
)

const maxResponseBytes = 4 << 20

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: http %d", e.Provider, e.Status)
}

// Temporary reports whether retrying later may succeed.
func (e *HTTPError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type httpClient struct {
	provider string
	baseURL  string
	header   http.Header
	client   *http.Client
	log      zerolog.Logger
}

func newHTTPClient(provider, baseURL string, header http.Header, timeout time.Duration, logger zerolog.Logger) httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		header:   header,
		client:   &http.Client{Timeout: timeout},
		log:      logger.With().Str("component", "provider").Str("provider", provider).Logger(),
	}
}

func (c httpClient) do(ctx context.Context, call, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.provider, call, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", c.provider, call, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.provider, call, "error").Inc()
		return nil, fmt.Errorf("%s %s: read body: %w", c.provider, call, err)
	}

	c.log.Debug().
		Str("call", call).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("provider request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ProviderRequests.WithLabelValues(c.provider, call, "http_"+strconv.Itoa(resp.StatusCode)).Inc()
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &HTTPError{Provider: c.provider, Status: resp.StatusCode, Body: snippet}
	}
	metrics.ProviderRequests.WithLabelValues(c.provider, call, "ok").Inc()
	return raw, nil
}
