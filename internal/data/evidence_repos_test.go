package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asfalis/asfalis/internal/domain/model"
	apperrors "github.com/asfalis/asfalis/internal/errors"
	"github.com/asfalis/asfalis/internal/testutil"
)

func claimedScan(t *testing.T, db *sql.DB) *model.ScanRun {
	t.Helper()
	scans := NewScanRepo(db, RepoConfig{})
	enqueueScan(t, scans, "acme/widgets")
	run, err := scans.ClaimNext(context.Background(), time.Minute)
	require.NoError(t, err)
	return run
}

func TestStageRepo_BeginFinishList(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		stages := NewStageRepo(db, RepoConfig{})
		ctx := context.Background()
		run := claimedScan(t, db)

		fetchID, err := stages.Begin(ctx, run.ID, model.StageFetchRepo)
		require.NoError(t, err)
		require.NoError(t, stages.Finish(ctx, fetchID, "fetched 120 files", ""))

		depID, err := stages.Begin(ctx, run.ID, model.StageDependencyScan)
		require.NoError(t, err)
		require.NoError(t, stages.Finish(ctx, depID, "osv-scanner output", "timeout after 2m0s"))

		list, err := stages.ListByScan(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)

		assert.Equal(t, model.StageFetchRepo, list[0].Name)
		assert.False(t, list[0].Failed())
		require.NotNil(t, list[0].EndedAt)
		assert.Equal(t, "fetched 120 files", list[0].Log)

		assert.Equal(t, model.StageDependencyScan, list[1].Name)
		assert.True(t, list[1].Failed())
		assert.Contains(t, *list[1].ErrorMessage, "timeout")
	})
}

func TestStageRepo_FinishUnknown(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		stages := NewStageRepo(db, RepoConfig{})
		err := stages.Finish(context.Background(), 999999, "", "")
		assert.ErrorIs(t, err, ErrStageNotFound)
	})
}

func TestFindingRepo_InsertAndListSorted(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		findings := NewFindingRepo(db, RepoConfig{})
		ctx := context.Background()
		run := claimedScan(t, db)

		batch := []model.Finding{
			{Tool: "semgrep", RuleID: "sqli", Severity: model.SeverityMed, Path: "b/handler.go", Fingerprint: "f1"},
			{Tool: "osv", RuleID: "GHSA-1", Severity: model.SeverityCritical, Path: "go.sum", Fingerprint: "f2"},
			{Tool: "semgrep", RuleID: "xss", Severity: model.SeverityMed, Path: "a/render.go", Fingerprint: "f3"},
			{Tool: "codeql", RuleID: "taint", Severity: model.SeverityHigh, Path: "z/sink.go", Fingerprint: "f4"},
		}
		require.NoError(t, findings.InsertBatch(ctx, run.ID, batch))

		list, err := findings.ListByScan(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, list, 4)

		// Severity first (critical → high → med), then path.
		assert.Equal(t, "f2", list[0].Fingerprint)
		assert.Equal(t, "f4", list[1].Fingerprint)
		assert.Equal(t, "a/render.go", list[2].Path)
		assert.Equal(t, "b/handler.go", list[3].Path)

		counts, err := findings.CountBySeverity(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.SeverityCritical])
		assert.Equal(t, 2, counts[model.SeverityMed])
	})
}

func TestFindingRepo_InsertEmptyBatch(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		findings := NewFindingRepo(db, RepoConfig{})
		require.NoError(t, findings.InsertBatch(context.Background(), "ignored", nil))
	})
}

func TestArtifactRepo_PutGetList(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		artifacts := NewArtifactRepo(db, RepoConfig{})
		ctx := context.Background()
		run := claimedScan(t, db)

		body := []byte(`{"version":"2.1.0","runs":[]}`)
		require.NoError(t, artifacts.Put(ctx, run.ID, "osv", "application/sarif+json", body))
		require.NoError(t, artifacts.Put(ctx, run.ID, model.ArtifactNameMerged, "application/sarif+json", body))

		// Artifacts are immutable: rewrite is a conflict.
		err := artifacts.Put(ctx, run.ID, "osv", "application/sarif+json", []byte("{}"))
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		infos, err := artifacts.ListByScan(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "osv", infos[0].Name)
		assert.Equal(t, len(body), infos[0].Size)

		got, err := artifacts.Get(ctx, run.ID, model.ArtifactNameMerged)
		require.NoError(t, err)
		assert.Equal(t, body, got.Body)

		_, err = artifacts.Get(ctx, run.ID, "missing")
		assert.ErrorIs(t, err, ErrArtifactNotFound)
	})
}
