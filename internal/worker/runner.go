// Package worker claims queued scan runs and drives them through the
// pipeline until terminal.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asfalis/asfalis/internal/domain/model"
	apperrors "github.com/asfalis/asfalis/internal/errors"
	"github.com/asfalis/asfalis/internal/observability/metrics"
	"github.com/asfalis/asfalis/internal/observability/statsd"
	"github.com/asfalis/asfalis/internal/pipeline"
)

// Queue is the claim-and-finalize surface of the scan repository.
type Queue interface {
	ClaimNext(ctx context.Context, lease time.Duration) (*model.ScanRun, error)
	MarkTerminal(ctx context.Context, id string, status model.ScanStatus, errMsg, summary string) error
	WaitForNotification(ctx context.Context) error
}

// Executor runs the pipeline for one claimed scan.
type Executor interface {
	Execute(ctx context.Context, scan *model.ScanRun) pipeline.Outcome
}

// Options groups dependencies for Runner.
type Options struct {
	Queue        Queue         // Required
	Executor     Executor      // Required
	Concurrency  int           // Workers claiming in parallel; defaults to 1
	Lease        time.Duration // Required: claim lease duration
	PollInterval time.Duration // Required: wakeup fallback when notifications are lost
	Logger       *slog.Logger  // Optional: structured logger
	Metrics      statsd.Sink   // Optional: metrics sink
}

// Runner hosts a pool of workers. Each worker claims at most one scan at a
// time; exclusivity comes from the queue's claim protocol, not from any
// coordination between workers.
type Runner struct {
	queue        Queue
	executor     Executor
	concurrency  int
	lease        time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      statsd.Sink
}

// NewRunner constructs a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("Queue is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("Executor is required")
	}
	if opts.Lease <= 0 {
		return nil, errors.New("Lease must be positive")
	}
	if opts.PollInterval <= 0 {
		return nil, errors.New("PollInterval must be positive")
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "scan_worker")
	} else {
		logger = slog.Default()
	}

	return &Runner{
		queue:        opts.Queue,
		executor:     opts.Executor,
		concurrency:  concurrency,
		lease:        opts.Lease,
		pollInterval: opts.PollInterval,
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// Run blocks until the context is cancelled, then waits for in-flight scans
// to reach a terminal state. Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scan workers",
		"concurrency", r.concurrency, "lease", r.lease, "poll_interval", r.pollInterval)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		worker := i
		g.Go(func() error {
			r.workLoop(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("scan workers stopped")
	return err
}

func (r *Runner) workLoop(ctx context.Context, worker int) {
	logger := r.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}

		scan, err := r.queue.ClaimNext(ctx, r.lease)
		switch {
		case errors.Is(err, model.ErrNoScansAvailable):
			r.waitForWork(ctx)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.ErrorContext(ctx, "claim failed", "error", err)
			r.sleep(ctx, r.pollInterval)
			continue
		}

		r.process(ctx, scan, logger)
	}
}

// process runs one claimed scan to a terminal state. The pipeline itself is
// not aborted by shutdown; finalization uses a background-derived context so
// a terminal status is still recorded during drain.
func (r *Runner) process(ctx context.Context, scan *model.ScanRun, logger *slog.Logger) {
	logger = logger.With("scan_id", scan.ID, "repo", scan.Repo)
	logger.InfoContext(ctx, "scan claimed", "branch", scan.Branch, "trigger", scan.Trigger)

	start := time.Now()
	outcome := r.executor.Execute(ctx, scan)

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := r.queue.MarkTerminal(finalizeCtx, scan.ID, outcome.Status, outcome.ErrorMessage, outcome.Summary)
	switch {
	case err == nil:
	case apperrors.IsConflict(err):
		// Someone else finalized the run (reaper after lease loss, or a
		// queued-cancellation race). The existing terminal state wins.
		logger.WarnContext(ctx, "scan already finalized", "attempted_status", outcome.Status, "error", err)
	default:
		logger.ErrorContext(ctx, "finalization failed", "status", outcome.Status, "error", err)
	}

	metrics.EmitScanLifecycle(r.metrics, metrics.ScanMetric{
		Trigger:    string(scan.Trigger),
		Transition: "finalize:" + string(outcome.Status),
		Result:     finalizeResult(err),
		Duration:   time.Since(start),
		Err:        err,
	})
	logger.InfoContext(ctx, "scan finished",
		"status", outcome.Status, "duration", time.Since(start), "error_message", outcome.ErrorMessage)
}

// waitForWork blocks until a new scan is announced or the poll interval
// elapses. LISTEN/NOTIFY is an optimization; the poll fallback alone keeps
// the queue draining.
func (r *Runner) waitForWork(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, r.pollInterval)
	defer cancel()

	err := r.queue.WaitForNotification(waitCtx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return
	}
	r.logger.DebugContext(ctx, "notification wait failed, falling back to polling",
		"error", fmt.Errorf("wait: %w", err))
	r.sleep(ctx, r.pollInterval)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func finalizeResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case apperrors.IsConflict(err):
		return metrics.ResultNoop
	default:
		return metrics.ResultError
	}
}
