// Package service holds the business logic between the transport surfaces
// (CLI, worker loop) and the data layer.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/asfalis/asfalis/internal/domain/model"
	apperrors "github.com/asfalis/asfalis/internal/errors"
	"github.com/asfalis/asfalis/internal/observability/metrics"
	"github.com/asfalis/asfalis/internal/observability/statsd"
)

// ScanRepository is the scan-run persistence surface the service depends on.
type ScanRepository interface {
	Enqueue(ctx context.Context, req *model.EnqueueScanRequest) (*model.ScanRun, error)
	GetByID(ctx context.Context, id string) (*model.ScanRun, error)
	List(ctx context.Context, limit int) ([]model.ScanRun, error)
	RequestCancel(ctx context.Context, id string) (model.ScanStatus, error)
	Stats(ctx context.Context) (*model.ScanStats, error)
}

// StageRepository reads per-scan stage history.
type StageRepository interface {
	ListByScan(ctx context.Context, scanID string) ([]model.StageRecord, error)
}

// FindingRepository reads normalized findings.
type FindingRepository interface {
	ListByScan(ctx context.Context, scanID string) ([]model.Finding, error)
	CountBySeverity(ctx context.Context, scanID string) (map[model.Severity]int, error)
}

// ArtifactRepository reads stored evidence documents.
type ArtifactRepository interface {
	ListByScan(ctx context.Context, scanID string) ([]model.ArtifactInfo, error)
	Get(ctx context.Context, scanID, name string) (*model.Artifact, error)
}

// ScanServiceOptions groups dependencies for ScanService.
type ScanServiceOptions struct {
	Scans     ScanRepository     // Required
	Stages    StageRepository    // Required
	Findings  FindingRepository  // Required
	Artifacts ArtifactRepository // Required
	Logger    *slog.Logger       // Optional: structured logger
	Metrics   statsd.Sink        // Optional: metrics sink
}

// ScanService exposes the scan lifecycle operations: enqueue, inspection of
// runs and their evidence, and cooperative cancellation.
type ScanService struct {
	scans     ScanRepository
	stages    StageRepository
	findings  FindingRepository
	artifacts ArtifactRepository
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewScanService constructs a ScanService.
func NewScanService(opts ScanServiceOptions) (*ScanService, error) {
	if opts.Scans == nil {
		return nil, errors.New("ScanRepository is required")
	}
	if opts.Stages == nil {
		return nil, errors.New("StageRepository is required")
	}
	if opts.Findings == nil {
		return nil, errors.New("FindingRepository is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("ArtifactRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "scan_service")
	}

	return &ScanService{
		scans:     opts.Scans,
		stages:    opts.Stages,
		findings:  opts.Findings,
		artifacts: opts.Artifacts,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// Enqueue validates and persists a new scan request in the queued state.
func (s *ScanService) Enqueue(ctx context.Context, req *model.EnqueueScanRequest) (*model.ScanRun, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid scan request")
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}

	run, err := s.scans.Enqueue(ctx, req)
	metrics.EmitScanLifecycle(s.metrics, metrics.ScanMetric{
		Trigger:    string(req.Trigger),
		Transition: "enqueue",
		Result:     resultOf(err),
		Duration:   time.Since(start),
		Err:        err,
	})
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "scan enqueued",
			"scan_id", run.ID, "repo", run.Repo, "branch", run.Branch, "trigger", run.Trigger)
	}
	return run, nil
}

// Get returns one scan run by ID.
func (s *ScanService) Get(ctx context.Context, id string) (*model.ScanRun, error) {
	return s.scans.GetByID(ctx, id)
}

// List returns recent scan runs, newest first.
func (s *ScanService) List(ctx context.Context, limit int) ([]model.ScanRun, error) {
	return s.scans.List(ctx, limit)
}

// Stages returns the stage history of a scan run in execution order.
func (s *ScanService) Stages(ctx context.Context, scanID string) ([]model.StageRecord, error) {
	if _, err := s.scans.GetByID(ctx, scanID); err != nil {
		return nil, err
	}
	return s.stages.ListByScan(ctx, scanID)
}

// Findings returns a scan's normalized findings ordered by severity.
func (s *ScanService) Findings(ctx context.Context, scanID string) ([]model.Finding, error) {
	if _, err := s.scans.GetByID(ctx, scanID); err != nil {
		return nil, err
	}
	return s.findings.ListByScan(ctx, scanID)
}

// FindingCounts returns the per-severity finding counts for a scan.
func (s *ScanService) FindingCounts(ctx context.Context, scanID string) (map[model.Severity]int, error) {
	if _, err := s.scans.GetByID(ctx, scanID); err != nil {
		return nil, err
	}
	return s.findings.CountBySeverity(ctx, scanID)
}

// Artifacts lists a scan's stored evidence documents without their bodies.
func (s *ScanService) Artifacts(ctx context.Context, scanID string) ([]model.ArtifactInfo, error) {
	if _, err := s.scans.GetByID(ctx, scanID); err != nil {
		return nil, err
	}
	return s.artifacts.ListByScan(ctx, scanID)
}

// ArtifactBody returns one stored evidence document including its body.
func (s *ScanService) ArtifactBody(ctx context.Context, scanID, name string) (*model.Artifact, error) {
	return s.artifacts.Get(ctx, scanID, name)
}

// Cancel requests cancellation of a scan. Queued scans cancel immediately;
// running scans are flagged and finalized by their worker at the next stage
// boundary. The resulting status is returned.
func (s *ScanService) Cancel(ctx context.Context, id string) (model.ScanStatus, error) {
	status, err := s.scans.RequestCancel(ctx, id)
	metrics.EmitScanLifecycle(s.metrics, metrics.ScanMetric{
		Transition: "cancel",
		Result:     resultOf(err),
		Err:        err,
	})
	if err != nil {
		return "", err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "scan cancellation requested", "scan_id", id, "status", status)
	}
	return status, nil
}

// Stats returns queue depth and terminal counts.
func (s *ScanService) Stats(ctx context.Context) (*model.ScanStats, error) {
	return s.scans.Stats(ctx)
}

func resultOf(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultSuccess
}
