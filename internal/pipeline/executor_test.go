package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asfalis/asfalis/internal/domain/model"
	"github.com/asfalis/asfalis/internal/sarif"
	"github.com/asfalis/asfalis/internal/scanner"
)

type fakeScanStore struct {
	mu           sync.Mutex
	stagesSet    []string
	commit       string
	heartbeats   int
	leaseAlive   bool
	cancelAtBeat int // request cancellation from this heartbeat on; 0 = never
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{leaseAlive: true}
}

func (s *fakeScanStore) CancelRequested(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelAtBeat > 0 && s.heartbeats >= s.cancelAtBeat, nil
}

func (s *fakeScanStore) SetCurrentStage(_ context.Context, _ string, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagesSet = append(s.stagesSet, stage)
	return nil
}

func (s *fakeScanStore) SetCommit(_ context.Context, _ string, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit = sha
	return nil
}

func (s *fakeScanStore) Heartbeat(context.Context, string, time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.leaseAlive, nil
}

type stageRec struct {
	name   string
	log    string
	errMsg string
}

type fakeStageStore struct {
	mu     sync.Mutex
	nextID int64
	open   map[int64]string
	done   []stageRec
}

func newFakeStageStore() *fakeStageStore {
	return &fakeStageStore{open: make(map[int64]string)}
}

func (s *fakeStageStore) Begin(_ context.Context, _ string, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.open[s.nextID] = name
	return s.nextID, nil
}

func (s *fakeStageStore) Finish(_ context.Context, id int64, log, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.open[id]
	if !ok {
		return fmt.Errorf("unknown stage id %d", id)
	}
	delete(s.open, id)
	s.done = append(s.done, stageRec{name: name, log: log, errMsg: errMsg})
	return nil
}

func (s *fakeStageStore) byName(name string) (stageRec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.done {
		if rec.name == name {
			return rec, true
		}
	}
	return stageRec{}, false
}

type fakeFindingStore struct {
	mu      sync.Mutex
	batches [][]model.Finding
}

func (s *fakeFindingStore) InsertBatch(_ context.Context, _ string, findings []model.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, findings)
	return nil
}

type fakeArtifactStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{docs: make(map[string][]byte)}
}

func (s *fakeArtifactStore) Put(_ context.Context, _ string, name, _ string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = body
	return nil
}

type fakeFetcher struct {
	sha string
	err error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *model.ScanRun, _ string) (string, error) {
	return f.sha, f.err
}

type fakeInvoker struct {
	tool   string
	result scanner.Result
	calls  int
	mu     sync.Mutex
}

func (i *fakeInvoker) Tool() string { return i.tool }

func (i *fakeInvoker) Run(context.Context, scanner.Input) scanner.Result {
	i.mu.Lock()
	i.calls++
	i.mu.Unlock()
	res := i.result
	res.Tool = i.tool
	return res
}

func sarifDoc(t *testing.T, driver string, results ...sarif.Result) []byte {
	t.Helper()
	doc, err := json.Marshal(sarif.Log{
		Version: sarif.Version,
		Runs: []sarif.Run{{
			Tool:    sarif.Tool{Driver: sarif.Driver{Name: driver}},
			Results: results,
		}},
	})
	require.NoError(t, err)
	return doc
}

func sarifResult(rule, level, path string, props map[string]any) sarif.Result {
	return sarif.Result{
		RuleID:     rule,
		Level:      level,
		Message:    sarif.Message{Text: "finding for " + rule},
		Properties: props,
		Locations: []sarif.Location{{PhysicalLocation: sarif.PhysicalLocation{
			ArtifactLocation: sarif.ArtifactLocation{URI: path},
			Region:           &sarif.Region{StartLine: 3},
		}}},
	}
}

type harness struct {
	scans     *fakeScanStore
	stages    *fakeStageStore
	findings  *fakeFindingStore
	artifacts *fakeArtifactStore
	executor  *Executor

	dep, pat, sem *fakeInvoker
}

func newHarness(t *testing.T, fetcher RepoFetcher, dep, pat, sem scanner.Result) *harness {
	h := &harness{
		scans:     newFakeScanStore(),
		stages:    newFakeStageStore(),
		findings:  &fakeFindingStore{},
		artifacts: newFakeArtifactStore(),
		dep:       &fakeInvoker{tool: sarif.ToolOSV, result: dep},
		pat:       &fakeInvoker{tool: sarif.ToolSemgrep, result: pat},
		sem:       &fakeInvoker{tool: sarif.ToolCodeQL, result: sem},
	}
	h.executor = NewExecutor(Config{
		Scans:       h.scans,
		Stages:      h.stages,
		Findings:    h.findings,
		Artifacts:   h.artifacts,
		Fetcher:     fetcher,
		Dependency:  h.dep,
		Pattern:     h.pat,
		Semantic:    h.sem,
		Lease:       time.Minute,
		WorkdirRoot: t.TempDir(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func runningScan() *model.ScanRun {
	return &model.ScanRun{
		ID:      "scan-1",
		Repo:    "acme/app",
		Branch:  "main",
		Trigger: model.TriggerManual,
		Status:  model.ScanStatusRunning,
	}
}

func TestExecutor_PartialToolFailureStillCompletes(t *testing.T) {
	depDoc := sarifDoc(t, "osv-scanner",
		sarifResult("GHSA-1", "", "go.mod", map[string]any{"cvss": 9.8}))
	patDoc := sarifDoc(t, "semgrep",
		sarifResult("js.eval", "error", "src/app.js", nil))

	h := newHarness(t, &fakeFetcher{sha: "abc123"},
		scanner.Result{OK: true, Document: depDoc},
		scanner.Result{OK: true, Document: patDoc},
		scanner.Result{OK: false, Fatal: true, Log: "codeql timed out after 1m0s"},
	)

	out := h.executor.Execute(context.Background(), runningScan())

	require.Equal(t, model.ScanStatusCompleted, out.Status)
	assert.Empty(t, out.ErrorMessage)

	var summary struct {
		FindingsTotal int               `json:"findings_total"`
		BySeverity    map[string]int    `json:"by_severity"`
		Tools         map[string]string `json:"tools"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Summary), &summary))
	assert.Equal(t, 2, summary.FindingsTotal)
	assert.Equal(t, 1, summary.BySeverity["CRITICAL"])
	assert.Equal(t, 1, summary.BySeverity["HIGH"])
	assert.Equal(t, "ok", summary.Tools["osv"])
	assert.Equal(t, "ok", summary.Tools["semgrep"])
	assert.Equal(t, "error", summary.Tools["codeql"])

	// The failed tool has a stage record with an error; the scan does not.
	sem, ok := h.stages.byName(model.StageSemanticScan)
	require.True(t, ok)
	assert.Contains(t, sem.errMsg, "timed out")

	// Merged evidence carries exactly the two successful runs.
	merged, err := sarif.Parse(h.artifacts.docs[model.ArtifactNameMerged])
	require.NoError(t, err)
	assert.Len(t, merged.Runs, 2)
	assert.Contains(t, h.artifacts.docs, "osv")
	assert.Contains(t, h.artifacts.docs, "semgrep")
	assert.NotContains(t, h.artifacts.docs, "codeql")

	require.Len(t, h.findings.batches, 1)
	assert.Len(t, h.findings.batches[0], 2)
}

func TestExecutor_FetchFailureIsFatal(t *testing.T) {
	h := newHarness(t, &fakeFetcher{err: fmt.Errorf("repository acme/app ref main not found")},
		scanner.Result{OK: true}, scanner.Result{OK: true}, scanner.Result{OK: true})

	out := h.executor.Execute(context.Background(), runningScan())

	assert.Equal(t, model.ScanStatusFailed, out.Status)
	assert.Contains(t, out.ErrorMessage, "fetch_repo")
	assert.Equal(t, 0, h.dep.calls)
	assert.Equal(t, 0, h.pat.calls)
	assert.Equal(t, 0, h.sem.calls)

	rec, ok := h.stages.byName(model.StageFetchRepo)
	require.True(t, ok)
	assert.NotEmpty(t, rec.errMsg)
}

func TestExecutor_CancellationAtStageBoundary(t *testing.T) {
	h := newHarness(t, &fakeFetcher{sha: "abc123"},
		scanner.Result{OK: true}, scanner.Result{OK: true}, scanner.Result{OK: true})
	// First checkpoint (after fetch) passes; second (after the parallel
	// pair) observes the cancellation request.
	h.scans.cancelAtBeat = 2

	out := h.executor.Execute(context.Background(), runningScan())

	assert.Equal(t, model.ScanStatusCancelled, out.Status)
	assert.Equal(t, 1, h.dep.calls)
	assert.Equal(t, 1, h.pat.calls)
	assert.Equal(t, 0, h.sem.calls)

	_, normalized := h.stages.byName(model.StageNormalize)
	assert.False(t, normalized)
	assert.Empty(t, h.findings.batches)
}

func TestExecutor_LostLeaseAbandonsRun(t *testing.T) {
	h := newHarness(t, &fakeFetcher{sha: "abc123"},
		scanner.Result{OK: true}, scanner.Result{OK: true}, scanner.Result{OK: true})
	h.scans.leaseAlive = false

	out := h.executor.Execute(context.Background(), runningScan())

	assert.Equal(t, model.ScanStatusFailed, out.Status)
	assert.Contains(t, out.ErrorMessage, "lease")
	assert.Equal(t, 0, h.sem.calls)
}

func TestExecutor_RecordsResolvedCommit(t *testing.T) {
	h := newHarness(t, &fakeFetcher{sha: "feedface0000"},
		scanner.Result{OK: true}, scanner.Result{OK: true}, scanner.Result{OK: true})

	scan := runningScan()
	out := h.executor.Execute(context.Background(), scan)

	require.Equal(t, model.ScanStatusCompleted, out.Status)
	assert.Equal(t, "feedface0000", h.scans.commit)
	require.NotNil(t, scan.CommitSHA)
	assert.Equal(t, "feedface0000", *scan.CommitSHA)

	rec, ok := h.stages.byName(model.StageFetchRepo)
	require.True(t, ok)
	assert.Contains(t, rec.log, "feedface0000")
}

func TestExecutor_EmptyEvidenceStillProducesMergedDocument(t *testing.T) {
	h := newHarness(t, &fakeFetcher{sha: "abc123"},
		scanner.Result{OK: true}, // clean scan, no document
		scanner.Result{OK: false, Log: "invalid config"},
		scanner.Result{OK: true})

	out := h.executor.Execute(context.Background(), runningScan())

	require.Equal(t, model.ScanStatusCompleted, out.Status)
	merged, err := sarif.Parse(h.artifacts.docs[model.ArtifactNameMerged])
	require.NoError(t, err)
	assert.Empty(t, merged.Runs)
	assert.Empty(t, h.findings.batches)
}
