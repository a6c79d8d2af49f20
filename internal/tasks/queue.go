// Package tasks is a small in-process work queue for follow-up work that
// must not block the request path: mirror refreshes after ledger commits and
// result fetches triggered by provider callbacks.
//
// Tasks are best effort. A full queue drops the task and logs it, and a task
// that keeps failing is dropped after the last retry. Everything enqueued
// here is reconstructible from the database (the mirror is re-synced
// periodically and the sweeper fetches stale generations), so a lost task
// only delays work.
package tasks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditgate/internal/metrics"
)

var (
	ErrQueueFull  = errors.New("tasks: queue full")
	ErrClosed     = errors.New("tasks: queue closed")
	ErrNoHandler  = errors.New("tasks: no handler for kind")
	ErrDuplicated = errors.New("tasks: identical task already pending")
)

// Task is a unit of queued work.
type Task struct {
	ID      string
	Kind    string
	Key     string
	Payload map[string]string
	Created time.Time
}

// Handler runs a task. Returning an error schedules a retry.
type Handler func(ctx context.Context, t Task) error

// Config tunes the queue.
type Config struct {
	Workers     int
	Size        int
	MaxAttempts int
	Backoff     time.Duration
	// Timeout bounds one attempt.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Size <= 0 {
		c.Size = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Queue dispatches tasks to handlers on a fixed pool of workers.
type Queue struct {
	cfg      Config
	log      zerolog.Logger
	ch       chan Task
	handlers map[string]Handler

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// New creates a stopped queue. Register handlers, then call Start.
func New(cfg Config, logger zerolog.Logger) *Queue {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		log:      logger.With().Str("component", "tasks").Logger(),
		ch:       make(chan Task, cfg.Size),
		handlers: map[string]Handler{},
		pending:  map[string]struct{}{},
		ctx:      ctx,
		cancel:   cancel,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// Handle registers h for kind. It must be called before Start.
func (q *Queue) Handle(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		panic("tasks: Handle called after Start")
	}
	q.handlers[kind] = h
}

// Start launches the workers.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(q.cfg.Workers)
	for i := 0; i < q.cfg.Workers; i++ {
		go q.worker(i)
	}
	q.log.Info().Int("num_workers", q.cfg.Workers).Int("queue_size", q.cfg.Size).Msg("task workers started")
}

// Enqueue schedules a task. A task whose (kind, key) is already pending is
// coalesced into it and reported as ErrDuplicated, which callers may ignore.
func (q *Queue) Enqueue(kind, key string, payload map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if _, ok := q.handlers[kind]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	dedup := kind + "\x00" + key
	if key != "" {
		if _, ok := q.pending[dedup]; ok {
			return "", ErrDuplicated
		}
	}

	t := Task{ID: q.newID(), Kind: kind, Key: key, Payload: payload, Created: time.Now().UTC()}
	select {
	case q.ch <- t:
	default:
		metrics.TaskResults.WithLabelValues(kind, "dropped").Inc()
		q.log.Warn().Str("kind", kind).Str("key", key).Msg("task queue full, dropping task")
		return "", ErrQueueFull
	}
	if key != "" {
		q.pending[dedup] = struct{}{}
	}
	metrics.TaskQueueDepth.Set(float64(len(q.ch)))
	return t.ID, nil
}

// Len reports queued tasks not yet picked up by a worker.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting tasks and waits for queued ones to finish or for
// ctx to expire, whichever comes first. Retries stop once ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	close(q.ch)
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) newID() string {
	q.entropyMu.Lock()
	defer q.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String()
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()

	logger := q.log.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("task worker started")

	for t := range q.ch {
		metrics.TaskQueueDepth.Set(float64(len(q.ch)))
		q.release(t)
		q.run(logger, t)
	}

	logger.Debug().Msg("task worker stopped")
}

// release drops the dedup marker before running so work requested while the
// task executes is queued again rather than lost.
func (q *Queue) release(t Task) {
	if t.Key == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, t.Kind+"\x00"+t.Key)
	q.mu.Unlock()
}

func (q *Queue) run(logger zerolog.Logger, t Task) {
	h := q.handlers[t.Kind]
	backoff := q.cfg.Backoff

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.Timeout)
		err := h(ctx, t)
		cancel()

		if err == nil {
			metrics.TaskResults.WithLabelValues(t.Kind, "ok").Inc()
			return
		}

		if attempt == q.cfg.MaxAttempts || q.ctx.Err() != nil {
			metrics.TaskResults.WithLabelValues(t.Kind, "failed").Inc()
			logger.Error().Err(err).
				Str("task_id", t.ID).
				Str("kind", t.Kind).
				Str("key", t.Key).
				Int("attempts", attempt).
				Msg("task failed after all retries")
			return
		}

		logger.Warn().Err(err).
			Str("task_id", t.ID).
			Str("kind", t.Kind).
			Int("attempt", attempt).
			Msg("task failed, retrying")

		select {
		case <-time.After(backoff):
		case <-q.ctx.Done():
		}
		backoff *= 2
	}
}
