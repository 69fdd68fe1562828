package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/asfalis/asfalis/internal/observability/statsd"
)

// ReaperRepository is the persistence surface the reaper depends on.
type ReaperRepository interface {
	FailExpired(ctx context.Context) (int64, error)
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo     ReaperRepository // Required
	Interval time.Duration    // Required: sweep interval
	Logger   *slog.Logger     // Optional: structured logger
	Metrics  statsd.Sink      // Optional: metrics sink
}

// ReaperService fails scan runs whose worker lease expired. A scan whose
// worker died mid-pipeline stays running forever without this sweep; failing
// it (rather than re-queueing) keeps the status lifecycle monotonic.
type ReaperService struct {
	repo     ReaperRepository
	interval time.Duration
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewReaperService constructs a ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("Interval must be positive")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
	}
	return &ReaperService{
		repo:     opts.Repo,
		interval: opts.Interval,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run sweeps at the configured interval until the context is cancelled.
// Returns nil on graceful shutdown.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper", "interval", s.interval)
	}

	// Jitter the first sweep so concurrently started instances spread out.
	select {
	case <-time.After(jitter(s.interval / 10)):
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass immediately and returns the number of runs failed.
func (s *ReaperService) Sweep(ctx context.Context) (int64, error) {
	return s.repo.FailExpired(ctx)
}

func (s *ReaperService) sweep(ctx context.Context) {
	start := time.Now()
	failed, err := s.repo.FailExpired(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && s.logger != nil {
			s.logger.ErrorContext(ctx, "lease sweep failed", "error", err)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.Count("reaper.expired_runs", failed, nil)
		s.metrics.Timing("reaper.sweep_duration", time.Since(start), nil)
	}
	if failed > 0 && s.logger != nil {
		s.logger.WarnContext(ctx, "failed expired scan runs", "count", failed)
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(buf[:]) % uint64(max))
}
