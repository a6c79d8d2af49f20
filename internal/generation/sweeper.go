package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Sweeper reconciles records nobody polled to completion, for example after
// a client disconnected mid-generation.
type Sweeper struct {
	svc         *Service
	records     RecordStore
	log         zerolog.Logger
	minAge      time.Duration
	batch       int
	concurrency int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper returns a sweeper that only touches records older than minAge.
func NewSweeper(svc *Service, records RecordStore, logger zerolog.Logger, minAge time.Duration, concurrency int) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{
		svc:         svc,
		records:     records,
		log:         logger.With().Str("component", "sweeper").Logger(),
		minAge:      minAge,
		batch:       100,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Sweep runs FetchResult on up to one batch of stale generating records.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	cutoff := s.svc.now().UTC().Add(-s.minAge)
	recs, err := s.records.ListGenerating(ctx, cutoff, s.batch)
	if err != nil {
		return SweepReport{}, err
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Scanned: len(recs)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			res, err := s.svc.FetchResult(gctx, rec.UID, Ref{RecordID: rec.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNotReady):
				report.Pending++
			case err != nil:
				report.Errors++
				s.log.Warn().Err(err).Str("record_id", rec.ID).Msg("sweep fetch failed")
			case res.Status == StatusCompleted:
				report.Completed++
			case res.Status == StatusFailed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Scanned > 0 {
		s.log.Info().
			Int("scanned", report.Scanned).
			Int("completed", report.Completed).
			Int("failed", report.Failed).
			Int("pending", report.Pending).
			Int("errors", report.Errors).
			Msg("sweep finished")
	}
	return report, ctx.Err()
}

// Start sweeps every interval until Stop.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.log.Error().Err(err).Msg("sweep failed")
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info().Dur("interval", interval).Msg("generation sweeper started")
}

// Stop halts the periodic sweep and waits for an in-flight sweep to end.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
