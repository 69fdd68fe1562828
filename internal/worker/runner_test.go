package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asfalis/asfalis/internal/domain/model"
	apperrors "github.com/asfalis/asfalis/internal/errors"
	"github.com/asfalis/asfalis/internal/pipeline"
)

type terminalRec struct {
	id      string
	status  model.ScanStatus
	errMsg  string
	summary string
}

type fakeQueue struct {
	mu        sync.Mutex
	pending   []*model.ScanRun
	terminals []terminalRec
	markErr   error
	waits     int
}

func (q *fakeQueue) ClaimNext(context.Context, time.Duration) (*model.ScanRun, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, model.ErrNoScansAvailable
	}
	scan := q.pending[0]
	q.pending = q.pending[1:]
	scan.Status = model.ScanStatusRunning
	return scan, nil
}

func (q *fakeQueue) MarkTerminal(_ context.Context, id string, status model.ScanStatus, errMsg, summary string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminals = append(q.terminals, terminalRec{id: id, status: status, errMsg: errMsg, summary: summary})
	return q.markErr
}

func (q *fakeQueue) WaitForNotification(ctx context.Context) error {
	q.mu.Lock()
	q.waits++
	q.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (q *fakeQueue) snapshotTerminals() []terminalRec {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]terminalRec(nil), q.terminals...)
}

type fakeExecutor struct {
	mu       sync.Mutex
	outcome  pipeline.Outcome
	executed []string
}

func (e *fakeExecutor) Execute(_ context.Context, scan *model.ScanRun) pipeline.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, scan.ID)
	return e.outcome
}

func queuedScan(id string) *model.ScanRun {
	return &model.ScanRun{
		ID:      id,
		Repo:    "acme/app",
		Branch:  "main",
		Trigger: model.TriggerManual,
		Status:  model.ScanStatusQueued,
	}
}

func newTestRunner(t *testing.T, q *fakeQueue, e *fakeExecutor, concurrency int) *Runner {
	t.Helper()
	r, err := NewRunner(Options{
		Queue:        q,
		Executor:     e,
		Concurrency:  concurrency,
		Lease:        time.Minute,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(Options{})
	assert.Error(t, err)

	_, err = NewRunner(Options{Queue: &fakeQueue{}, Executor: &fakeExecutor{}, Lease: time.Minute})
	assert.Error(t, err, "missing poll interval")
}

func TestRunner_DrainsQueueAndFinalizes(t *testing.T) {
	q := &fakeQueue{pending: []*model.ScanRun{queuedScan("scan-1"), queuedScan("scan-2")}}
	e := &fakeExecutor{outcome: pipeline.Outcome{
		Status:  model.ScanStatusCompleted,
		Summary: `{"findings_total":0}`,
	}}
	r := newTestRunner(t, q, e, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.snapshotTerminals()) == 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	terminals := q.snapshotTerminals()
	seen := map[string]terminalRec{}
	for _, rec := range terminals {
		seen[rec.id] = rec
	}
	require.Len(t, seen, 2)
	for _, rec := range seen {
		assert.Equal(t, model.ScanStatusCompleted, rec.status)
		assert.Empty(t, rec.errMsg)
		assert.NotEmpty(t, rec.summary)
	}
}

func TestRunner_RecordsFailureOutcome(t *testing.T) {
	q := &fakeQueue{pending: []*model.ScanRun{queuedScan("scan-1")}}
	e := &fakeExecutor{outcome: pipeline.Outcome{
		Status:       model.ScanStatusFailed,
		ErrorMessage: "fetch_repo: repository acme/app ref main not found",
	}}
	r := newTestRunner(t, q, e, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.snapshotTerminals()) == 1
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec := q.snapshotTerminals()[0]
	assert.Equal(t, model.ScanStatusFailed, rec.status)
	assert.Contains(t, rec.errMsg, "fetch_repo")
}

func TestRunner_ToleratesFinalizationConflict(t *testing.T) {
	// A conflicting finalization (e.g. the reaper got there first) must not
	// stop the loop from claiming further work.
	q := &fakeQueue{
		pending: []*model.ScanRun{queuedScan("scan-1"), queuedScan("scan-2")},
		markErr: apperrors.Conflict("scan is failed, not running"),
	}
	e := &fakeExecutor{outcome: pipeline.Outcome{Status: model.ScanStatusCompleted}}
	r := newTestRunner(t, q, e, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.snapshotTerminals()) == 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunner_IdlesOnEmptyQueue(t *testing.T) {
	q := &fakeQueue{}
	e := &fakeExecutor{}
	r := newTestRunner(t, q, e, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.waits >= 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.executed)
}
