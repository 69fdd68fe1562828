package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReaperRepo struct {
	failed atomic.Int64
	sweeps atomic.Int64
}

func (f *fakeReaperRepo) FailExpired(context.Context) (int64, error) {
	f.sweeps.Add(1)
	return f.failed.Load(), nil
}

func TestNewReaperService_Validation(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{Interval: time.Minute})
	assert.Error(t, err)

	_, err = NewReaperService(ReaperServiceOptions{Repo: &fakeReaperRepo{}})
	assert.Error(t, err)
}

func TestReaperService_Sweep(t *testing.T) {
	repo := &fakeReaperRepo{}
	repo.failed.Store(3)

	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Interval: time.Minute})
	require.NoError(t, err)

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestReaperService_RunStopsOnCancel(t *testing.T) {
	repo := &fakeReaperRepo{}
	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Let at least one sweep happen, then stop.
	assert.Eventually(t, func() bool { return repo.sweeps.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancellation")
	}
}
