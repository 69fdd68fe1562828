// Package pipeline drives a claimed scan run through its stages: snapshot
// fetch, the analysis tools, evidence normalization, and finalization.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asfalis/asfalis/internal/domain/model"
	"github.com/asfalis/asfalis/internal/sarif"
	"github.com/asfalis/asfalis/internal/scanner"
)

// SARIFContentType is stored with every evidence artifact.
const SARIFContentType = "application/sarif+json"

// ScanStore is the slice of the scan repository the executor needs.
type ScanStore interface {
	CancelRequested(ctx context.Context, id string) (bool, error)
	SetCurrentStage(ctx context.Context, id, stage string) error
	SetCommit(ctx context.Context, id, sha string) error
	Heartbeat(ctx context.Context, id string, lease time.Duration) (bool, error)
}

// StageStore records per-stage execution history.
type StageStore interface {
	Begin(ctx context.Context, scanID, name string) (int64, error)
	Finish(ctx context.Context, id int64, log, errMsg string) error
}

// FindingStore persists normalized findings.
type FindingStore interface {
	InsertBatch(ctx context.Context, scanID string, findings []model.Finding) error
}

// ArtifactStore persists raw and merged evidence documents.
type ArtifactStore interface {
	Put(ctx context.Context, scanID, name, contentType string, body []byte) error
}

// RepoFetcher materializes a repository snapshot into a workspace directory.
type RepoFetcher interface {
	Fetch(ctx context.Context, scan *model.ScanRun, destDir string) (string, error)
}

// Outcome is the terminal verdict the worker writes back for a scan run.
type Outcome struct {
	Status       model.ScanStatus
	ErrorMessage string
	Summary      string
}

// Executor runs the scan pipeline for one claimed scan at a time.
type Executor struct {
	scans     ScanStore
	stages    StageStore
	findings  FindingStore
	artifacts ArtifactStore
	fetcher   RepoFetcher

	dependency scanner.Invoker
	pattern    scanner.Invoker
	semantic   scanner.Invoker
	publisher  scanner.Invoker

	lease       time.Duration
	workdirRoot string
	logger      *slog.Logger
}

// Config wires an Executor. Publisher may be nil, which drops the optional
// publish stage entirely.
type Config struct {
	Scans     ScanStore
	Stages    StageStore
	Findings  FindingStore
	Artifacts ArtifactStore
	Fetcher   RepoFetcher

	Dependency scanner.Invoker
	Pattern    scanner.Invoker
	Semantic   scanner.Invoker
	Publisher  scanner.Invoker

	Lease       time.Duration
	WorkdirRoot string
	Logger      *slog.Logger
}

func NewExecutor(cfg Config) *Executor {
	root := cfg.WorkdirRoot
	if root == "" {
		root = os.TempDir()
	}
	return &Executor{
		scans:       cfg.Scans,
		stages:      cfg.Stages,
		findings:    cfg.Findings,
		artifacts:   cfg.Artifacts,
		fetcher:     cfg.Fetcher,
		dependency:  cfg.Dependency,
		pattern:     cfg.Pattern,
		semantic:    cfg.Semantic,
		publisher:   cfg.Publisher,
		lease:       cfg.Lease,
		workdirRoot: root,
		logger:      cfg.Logger,
	}
}

// Execute runs the full pipeline for a claimed scan and returns its terminal
// outcome. Individual tool failures are recorded in stage history but do not
// fail the scan; only a fetch failure does. The workspace is removed on every
// exit path.
func (e *Executor) Execute(ctx context.Context, scan *model.ScanRun) Outcome {
	logger := e.logger.With("scan_id", scan.ID, "repo", scan.Repo)

	workspace, err := os.MkdirTemp(e.workdirRoot, "asfalis_scan_")
	if err != nil {
		return Outcome{Status: model.ScanStatusFailed, ErrorMessage: fmt.Sprintf("create workspace: %v", err)}
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			logger.Warn("workspace cleanup failed", "error", rmErr)
		}
	}()

	if err := e.fetchStage(ctx, scan, workspace, logger); err != nil {
		return Outcome{Status: model.ScanStatusFailed, ErrorMessage: fmt.Sprintf("%s: %v", model.StageFetchRepo, err)}
	}
	if out, stop := e.checkpoint(ctx, scan.ID, logger); stop {
		return out
	}

	in := scanner.Input{Dir: workspace, Repo: scan.Repo}
	if scan.CommitSHA != nil {
		in.CommitSHA = *scan.CommitSHA
	}

	results := make(map[string]scanner.Result)

	// Dependency and pattern analysis are independent reads of the same
	// workspace, so they run as a concurrent pair.
	_ = e.scans.SetCurrentStage(ctx, scan.ID, model.StageDependencyScan)
	var depRes, patRes scanner.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		depRes = e.toolStage(gctx, scan.ID, model.StageDependencyScan, e.dependency, in, logger)
		return nil
	})
	g.Go(func() error {
		patRes = e.toolStage(gctx, scan.ID, model.StagePatternScan, e.pattern, in, logger)
		return nil
	})
	_ = g.Wait()
	results[depRes.Tool] = depRes
	results[patRes.Tool] = patRes

	if out, stop := e.checkpoint(ctx, scan.ID, logger); stop {
		return out
	}

	_ = e.scans.SetCurrentStage(ctx, scan.ID, model.StageSemanticScan)
	semRes := e.toolStage(ctx, scan.ID, model.StageSemanticScan, e.semantic, in, logger)
	results[semRes.Tool] = semRes

	if out, stop := e.checkpoint(ctx, scan.ID, logger); stop {
		return out
	}

	if e.publisher != nil {
		_ = e.scans.SetCurrentStage(ctx, scan.ID, model.StagePublishOptional)
		pubRes := e.toolStage(ctx, scan.ID, model.StagePublishOptional, e.publisher, in, logger)
		results[pubRes.Tool] = pubRes

		if out, stop := e.checkpoint(ctx, scan.ID, logger); stop {
			return out
		}
	}

	findings, err := e.normalizeStage(ctx, scan.ID, results, logger)
	if err != nil {
		return Outcome{Status: model.ScanStatusFailed, ErrorMessage: fmt.Sprintf("%s: %v", model.StageNormalize, err)}
	}

	summary, err := e.finalizeStage(ctx, scan.ID, findings, results)
	if err != nil {
		return Outcome{Status: model.ScanStatusFailed, ErrorMessage: fmt.Sprintf("%s: %v", model.StageFinalize, err)}
	}
	return Outcome{Status: model.ScanStatusCompleted, Summary: summary}
}

// checkpoint runs at stage boundaries: renew the lease and honor cooperative
// cancellation. A lost lease means the reaper already finalized the run, so
// the pipeline stops doing useless work.
func (e *Executor) checkpoint(ctx context.Context, scanID string, logger *slog.Logger) (Outcome, bool) {
	alive, err := e.scans.Heartbeat(ctx, scanID, e.lease)
	if err != nil {
		logger.Warn("heartbeat failed", "error", err)
	} else if !alive {
		logger.Warn("lease lost, abandoning scan")
		return Outcome{Status: model.ScanStatusFailed, ErrorMessage: "worker lease lost"}, true
	}

	cancelled, err := e.scans.CancelRequested(ctx, scanID)
	if err != nil {
		logger.Warn("cancellation check failed", "error", err)
		return Outcome{}, false
	}
	if cancelled {
		logger.Info("cancellation honored at stage boundary")
		return Outcome{Status: model.ScanStatusCancelled, ErrorMessage: "cancelled by request"}, true
	}
	return Outcome{}, false
}

func (e *Executor) fetchStage(ctx context.Context, scan *model.ScanRun, workspace string, logger *slog.Logger) error {
	_ = e.scans.SetCurrentStage(ctx, scan.ID, model.StageFetchRepo)
	stageID, err := e.stages.Begin(ctx, scan.ID, model.StageFetchRepo)
	if err != nil {
		return err
	}

	sha, fetchErr := e.fetcher.Fetch(ctx, scan, workspace)
	if fetchErr != nil {
		e.finishStage(ctx, stageID, "", fetchErr.Error(), logger)
		return fetchErr
	}

	stageLog := "snapshot extracted"
	if sha != "" {
		stageLog = "snapshot extracted at " + sha
		if scan.CommitSHA == nil || *scan.CommitSHA == "" {
			if err := e.scans.SetCommit(ctx, scan.ID, sha); err != nil {
				logger.Warn("recording resolved commit failed", "error", err)
			}
			scan.CommitSHA = &sha
		}
	}
	e.finishStage(ctx, stageID, stageLog, "", logger)
	return nil
}

// toolStage invokes one analysis tool under its own stage record. Tool
// failures never propagate as errors; they are captured in the stage history
// and in the returned result.
func (e *Executor) toolStage(ctx context.Context, scanID, stage string, inv scanner.Invoker, in scanner.Input, logger *slog.Logger) scanner.Result {
	stageID, err := e.stages.Begin(ctx, scanID, stage)
	if err != nil {
		logger.Error("stage bookkeeping failed", "stage", stage, "error", err)
		return scanner.Result{Tool: inv.Tool(), OK: false, Log: err.Error()}
	}

	res := inv.Run(ctx, in)
	errMsg := ""
	if !res.OK {
		errMsg = res.Log
		if errMsg == "" {
			errMsg = res.Tool + " failed"
		}
		logger.Warn("tool failed", "stage", stage, "tool", res.Tool, "fatal", res.Fatal)
	}
	e.finishStage(ctx, stageID, res.Log, errMsg, logger)
	return res
}

// normalizeStage converts every successful SARIF document into findings,
// stores the raw per-tool artifacts, and writes the merged evidence document.
// A tool document that fails to parse is skipped with a note in the stage log
// so one misbehaving tool cannot void the others' evidence.
func (e *Executor) normalizeStage(ctx context.Context, scanID string, results map[string]scanner.Result, logger *slog.Logger) ([]model.Finding, error) {
	_ = e.scans.SetCurrentStage(ctx, scanID, model.StageNormalize)
	stageID, err := e.stages.Begin(ctx, scanID, model.StageNormalize)
	if err != nil {
		return nil, err
	}

	var (
		findings []model.Finding
		logs     []*sarif.Log
		notes    []string
	)
	for _, tool := range sortedTools(results) {
		res := results[tool]
		if !res.OK || res.Document == nil {
			continue
		}
		if err := e.artifacts.Put(ctx, scanID, tool, SARIFContentType, res.Document); err != nil {
			e.finishStage(ctx, stageID, strings.Join(notes, "\n"), err.Error(), logger)
			return nil, err
		}

		parsed, parseErr := sarif.Parse(res.Document)
		if parseErr != nil {
			notes = append(notes, fmt.Sprintf("%s: document rejected: %v", tool, parseErr))
			continue
		}
		toolFindings, normErr := sarif.NormalizeOne(tool, res.Document)
		if normErr != nil {
			notes = append(notes, fmt.Sprintf("%s: normalization rejected: %v", tool, normErr))
			continue
		}
		findings = append(findings, toolFindings...)
		logs = append(logs, parsed)
		notes = append(notes, fmt.Sprintf("%s: %d findings", tool, len(toolFindings)))
	}

	merged, err := json.Marshal(sarif.Merge(logs...))
	if err != nil {
		e.finishStage(ctx, stageID, strings.Join(notes, "\n"), err.Error(), logger)
		return nil, err
	}
	if err := e.artifacts.Put(ctx, scanID, model.ArtifactNameMerged, SARIFContentType, merged); err != nil {
		e.finishStage(ctx, stageID, strings.Join(notes, "\n"), err.Error(), logger)
		return nil, err
	}
	if len(findings) > 0 {
		if err := e.findings.InsertBatch(ctx, scanID, findings); err != nil {
			e.finishStage(ctx, stageID, strings.Join(notes, "\n"), err.Error(), logger)
			return nil, err
		}
	}
	e.finishStage(ctx, stageID, strings.Join(notes, "\n"), "", logger)
	return findings, nil
}

func (e *Executor) finalizeStage(ctx context.Context, scanID string, findings []model.Finding, results map[string]scanner.Result) (string, error) {
	_ = e.scans.SetCurrentStage(ctx, scanID, model.StageFinalize)
	stageID, err := e.stages.Begin(ctx, scanID, model.StageFinalize)
	if err != nil {
		return "", err
	}

	summary, err := buildSummary(findings, results)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	e.finishStage(ctx, stageID, summary, errMsg, e.logger)
	return summary, err
}

type resultSummary struct {
	FindingsTotal int               `json:"findings_total"`
	BySeverity    map[string]int    `json:"by_severity"`
	Tools         map[string]string `json:"tools"`
}

func buildSummary(findings []model.Finding, results map[string]scanner.Result) (string, error) {
	s := resultSummary{
		FindingsTotal: len(findings),
		BySeverity:    make(map[string]int),
		Tools:         make(map[string]string),
	}
	for _, f := range findings {
		s.BySeverity[string(f.Severity)]++
	}
	for tool, res := range results {
		switch {
		case res.OK:
			s.Tools[tool] = "ok"
		case res.Fatal:
			s.Tools[tool] = "error"
		default:
			s.Tools[tool] = "failed"
		}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	return string(raw), nil
}

func (e *Executor) finishStage(ctx context.Context, stageID int64, stageLog, errMsg string, logger *slog.Logger) {
	if err := e.stages.Finish(ctx, stageID, stageLog, errMsg); err != nil {
		logger.Error("stage bookkeeping failed", "stage_id", stageID, "error", err)
	}
}

func sortedTools(results map[string]scanner.Result) []string {
	tools := make([]string, 0, len(results))
	for tool := range results {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}
