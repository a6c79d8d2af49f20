// Package storage persists provider artifacts under gateway-controlled urls.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrFetch is returned when the source artifact cannot be downloaded.
var ErrFetch = errors.New("storage: fetch artifact")

// Object is a persisted artifact.
type Object struct {
	Key       string
	PublicURL string
}

// Uploader copies a remote artifact into durable storage.
type Uploader interface {
	Persist(ctx context.Context, sourceURL string) (Object, error)
}

// Passthrough keeps artifacts at their provider url.
type Passthrough struct{}

func (Passthrough) Persist(_ context.Context, sourceURL string) (Object, error) {
	if sourceURL == "" {
		return Object{}, fmt.Errorf("%w: empty url", ErrFetch)
	}
	return Object{PublicURL: sourceURL}, nil
}

// Local writes artifacts to a directory and serves them from publicBase.
type Local struct {
	dir        string
	publicBase string
	client     *http.Client
	maxBytes   int64
	log        zerolog.Logger
}

// LocalOption configures Local.
type LocalOption func(*Local)

// WithHTTPClient overrides the download client.
func WithHTTPClient(c *http.Client) LocalOption {
	return func(l *Local) { l.client = c }
}

// WithMaxBytes caps the artifact size.
func WithMaxBytes(n int64) LocalOption {
	return func(l *Local) { l.maxBytes = n }
}

// NewLocal creates dir if needed.
func NewLocal(dir, publicBase string, logger zerolog.Logger, opts ...LocalOption) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	l := &Local{
		dir:        dir,
		publicBase: strings.TrimRight(publicBase, "/"),
		client:     &http.Client{Timeout: 2 * time.Minute},
		maxBytes:   512 << 20,
		log:        logger.With().Str("component", "storage").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Persist downloads sourceURL. Keys are content-addressed on the source url,
// so persisting the same artifact twice yields the same object.
func (l *Local) Persist(ctx context.Context, sourceURL string) (Object, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Object{}, fmt.Errorf("%w: invalid url %q", ErrFetch, sourceURL)
	}

	sum := sha256.Sum256([]byte(sourceURL))
	base := hex.EncodeToString(sum[:16])
	ext := path.Ext(u.Path)

	if ext != "" {
		key := base + strings.ToLower(ext)
		if _, err := os.Stat(filepath.Join(l.dir, key)); err == nil {
			return l.object(key), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Object{}, fmt.Errorf("%w: %s returned %d", ErrFetch, u.Host, resp.StatusCode)
	}

	if ext == "" {
		ext = extFromContentType(resp.Header.Get("Content-Type"))
	}
	key := base + strings.ToLower(ext)

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return Object{}, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, l.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if n > l.maxBytes {
		return Object{}, fmt.Errorf("%w: artifact exceeds %d bytes", ErrFetch, l.maxBytes)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, key)); err != nil {
		return Object{}, err
	}

	l.log.Debug().Str("key", key).Int64("bytes", n).Msg("artifact persisted")
	return l.object(key), nil
}

// Dir is the on-disk root, for serving.
func (l *Local) Dir() string { return l.dir }

func (l *Local) object(key string) Object {
	return Object{Key: key, PublicURL: l.publicBase + "/" + key}
}

func extFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	switch mt {
	case "video/mp4":
		return ".mp4"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
