// Package data provides the Postgres-backed repositories for scan runs,
// stage records, findings, and artifacts.
package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/asfalis/asfalis/internal/data/pgxutil"
	"github.com/asfalis/asfalis/internal/domain/model"
	apperrors "github.com/asfalis/asfalis/internal/errors"
)

// NotifyChannel is the Postgres NOTIFY channel signalled when a scan is enqueued.
const NotifyChannel = "scan_enqueued"

// RepoConfig holds configuration options shared by the repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// ScanRepo provides database operations for scan run lifecycle management.
// All cross-worker coordination goes through this repository; the claim and
// finalize operations are the only mutations of shared state.
type ScanRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewScanRepo creates a new ScanRepo with the given database connection.
func NewScanRepo(db *sql.DB, cfg RepoConfig) *ScanRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ScanRepo{DB: db, timeProvider: tp, logger: cfg.Logger}
}

const scanColumns = `
  id,
  repo,
  branch,
  commit_sha,
  installation_id,
  trigger,
  status,
  current_stage,
  cancel_requested,
  error_message,
  result_summary,
  lease_expires_at,
  created_at,
  started_at,
  ended_at
`

// SQL used by ClaimNext to atomically claim the oldest queued scan run.
// The locking read skips rows held by concurrent claim attempts so two
// workers can never receive the same run.
const claimNextSQL = `
  WITH cte AS (
    SELECT id FROM scan_runs
    WHERE status = 'queued'
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE scan_runs s
  SET
    status = 'running',
    started_at = $1,
    lease_expires_at = $2
  FROM cte
  WHERE s.id = cte.id
  RETURNING s.id, s.repo, s.branch, s.commit_sha, s.installation_id, s.trigger, s.status, s.current_stage, s.cancel_requested, s.error_message, s.result_summary, s.lease_expires_at, s.created_at, s.started_at, s.ended_at`

// Enqueue inserts a new queued scan run and notifies waiting workers.
func (r *ScanRepo) Enqueue(ctx context.Context, req *model.EnqueueScanRequest) (*model.ScanRun, error) {
	if req == nil {
		return nil, apperrors.Validation("enqueue scan request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid enqueue request")
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerManual
	}
	id := uuid.NewString()

	var run *model.ScanRun
	err := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, qerr := tx.Query(ctx, `
			INSERT INTO scan_runs (id, repo, branch, commit_sha, installation_id, trigger, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7)
			RETURNING `+scanColumns,
			id, req.Repo, req.Branch, req.CommitSHA, req.InstallationID, trigger, r.timeProvider.Now().UTC())
		if qerr != nil {
			return fmt.Errorf("insert scan run: %w", qerr)
		}
		s, cerr := collectScanFromRows(rows)
		rows.Close()
		if cerr != nil {
			return fmt.Errorf("collect scan run: %w", cerr)
		}
		run = s

		if _, nerr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel, run.ID); nerr != nil {
			return fmt.Errorf("send scan notification: %w", nerr)
		}
		return nil
	})
	if err != nil {
		return nil, classifyPgError(err, "enqueue scan")
	}
	return run, nil
}

// ClaimNext atomically claims the oldest queued scan run, transitions it to
// running, stamps started_at, and returns it. Returns model.ErrNoScansAvailable
// when no queued run exists.
func (r *ScanRepo) ClaimNext(ctx context.Context, lease time.Duration) (*model.ScanRun, error) {
	if lease <= 0 {
		return nil, apperrors.Validation("lease must be positive")
	}

	var run *model.ScanRun
	err := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		now := r.timeProvider.Now().UTC()
		rows, qerr := tx.Query(ctx, claimNextSQL, now, now.Add(lease))
		if qerr != nil {
			return fmt.Errorf("claim scan: %w", qerr)
		}
		defer rows.Close()

		s, cerr := collectScanFromRows(rows)
		if errors.Is(cerr, pgx.ErrNoRows) {
			return model.ErrNoScansAvailable
		}
		if cerr != nil {
			return fmt.Errorf("claim scan: %w", cerr)
		}
		run = s
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNoScansAvailable) {
			return nil, model.ErrNoScansAvailable
		}
		return nil, err
	}
	return run, nil
}

// MarkTerminal transitions a running scan to a terminal state. If the scan is
// no longer running (already finalized by a racing request) a conflict error
// is returned and the existing terminal state is left untouched.
func (r *ScanRepo) MarkTerminal(
	ctx context.Context,
	id string,
	status model.ScanStatus,
	errMsg, summary string,
) error {
	if !status.Terminal() {
		return apperrors.Validation(fmt.Sprintf("status %q is not terminal", status))
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = $2,
		    ended_at = $3,
		    error_message = NULLIF($4, ''),
		    result_summary = NULLIF($5, ''),
		    current_stage = NULL,
		    lease_expires_at = NULL
		WHERE id = $1 AND status = 'running'
	`, id, status, now, errMsg, summary)
	if err != nil {
		return fmt.Errorf("mark scan terminal: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark terminal rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	run, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return getErr
	}
	return apperrors.Conflictf("scan %s is %s, not running", id, run.Status)
}

// RequestCancel requests cancellation of a scan run. A queued run transitions
// directly to cancelled; a running run gets its cancellation flag set and is
// finalized cooperatively by the worker at the next stage boundary. Any other
// state is a conflict. The resulting status is returned.
func (r *ScanRepo) RequestCancel(ctx context.Context, id string) (model.ScanStatus, error) {
	now := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = 'cancelled', ended_at = $2
		WHERE id = $1 AND status = 'queued'
	`, id, now)
	if err != nil {
		return "", fmt.Errorf("cancel queued scan: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr != nil {
		return "", fmt.Errorf("cancel rows affected: %w", raErr)
	} else if n > 0 {
		return model.ScanStatusCancelled, nil
	}

	res, err = r.DB.ExecContext(ctx, `
		UPDATE scan_runs
		SET cancel_requested = TRUE
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return "", fmt.Errorf("flag running scan: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr != nil {
		return "", fmt.Errorf("cancel rows affected: %w", raErr)
	} else if n > 0 {
		return model.ScanStatusRunning, nil
	}

	run, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return "", getErr
	}
	return "", apperrors.Conflictf("scan %s is %s and cannot be cancelled", id, run.Status)
}

// CancelRequested reports whether cancellation has been requested for a scan.
func (r *ScanRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT cancel_requested FROM scan_runs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrScanNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return flag, nil
}

// SetCurrentStage records the stage a running scan is currently executing.
func (r *ScanRepo) SetCurrentStage(ctx context.Context, id, stage string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE scan_runs SET current_stage = NULLIF($2, '')
		WHERE id = $1 AND status = 'running'
	`, id, stage)
	if err != nil {
		return fmt.Errorf("set current stage: %w", err)
	}
	return nil
}

// SetCommit records the commit SHA resolved during the fetch stage.
func (r *ScanRepo) SetCommit(ctx context.Context, id, sha string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE scan_runs SET commit_sha = NULLIF($2, '')
		WHERE id = $1 AND status = 'running'
	`, id, sha)
	if err != nil {
		return fmt.Errorf("set commit sha: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lease on a running scan. Returns false if the scan
// is no longer running.
func (r *ScanRepo) Heartbeat(ctx context.Context, id string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, apperrors.Validation("lease must be positive")
	}
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE scan_runs SET lease_expires_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, now.Add(lease))
	if err != nil {
		return false, fmt.Errorf("heartbeat scan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailExpired marks running scans whose lease has expired as failed. Expired
// runs are never re-queued: the status machine is monotonic, and a run whose
// worker disappeared mid-pipeline cannot be resumed safely. An advisory lock
// keeps concurrent reapers from doing redundant scans of the table.
func (r *ScanRepo) FailExpired(ctx context.Context) (int64, error) {
	const reaperLockKey int64 = 7401

	var affected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx,
			`SELECT pg_try_advisory_xact_lock($1)`, reaperLockKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			return nil
		}

		now := r.timeProvider.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE scan_runs
			SET status = 'failed',
			    ended_at = $1,
			    error_message = 'worker lease expired',
			    current_stage = NULL,
			    lease_expires_at = NULL
			WHERE status = 'running'
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at < $1
		`, now)
		if err != nil {
			return fmt.Errorf("fail expired scans: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		affected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// GetByID retrieves a scan run by its ID.
func (r *ScanRepo) GetByID(ctx context.Context, id string) (*model.ScanRun, error) {
	var run *model.ScanRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT `+scanColumns+`
			FROM scan_runs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		var cerr error
		run, cerr = collectScanFromRows(rows)
		return cerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan run: %w", err)
	}
	return run, nil
}

// List returns the most recent scan runs, newest first.
func (r *ScanRepo) List(ctx context.Context, limit int) ([]model.ScanRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+scanColumns+`
		FROM scan_runs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.ScanRun
	for rows.Next() {
		run, scanErr := scanRunFromRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, *run)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return runs, nil
}

// Stats returns counts of scan runs by status.
func (r *ScanRepo) Stats(ctx context.Context) (*model.ScanStats, error) {
	var s model.ScanStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')    AS queued,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'cancelled') AS cancelled
  FROM scan_runs
  `).Scan(&s.Queued, &s.Running, &s.Completed, &s.Failed, &s.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("scan stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a scan-enqueued notification arrives or the
// context is done.
func (r *ScanRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	quoted := pgx.Identifier{NotifyChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

type scanRowScanner interface {
	Scan(dest ...any) error
}

type scanRowData struct {
	commitSHA, currentStage, errorMessage, resultSummary sql.NullString
	leaseExpiresAt, startedAt, endedAt                   sql.NullTime
}

func scanRunFromRow(scanner scanRowScanner) (*model.ScanRun, error) {
	run := &model.ScanRun{}
	var d scanRowData
	if err := scanner.Scan(
		&run.ID,
		&run.Repo,
		&run.Branch,
		&d.commitSHA,
		&run.InstallationID,
		&run.Trigger,
		&run.Status,
		&d.currentStage,
		&run.CancelRequested,
		&d.errorMessage,
		&d.resultSummary,
		&d.leaseExpiresAt,
		&run.CreatedAt,
		&d.startedAt,
		&d.endedAt,
	); err != nil {
		return nil, err
	}

	run.CommitSHA = nullableString(d.commitSHA)
	run.CurrentStage = nullableString(d.currentStage)
	run.ErrorMessage = nullableString(d.errorMessage)
	run.ResultSummary = nullableString(d.resultSummary)
	run.LeaseExpiresAt = nullableTime(d.leaseExpiresAt)
	run.StartedAt = nullableTime(d.startedAt)
	run.EndedAt = nullableTime(d.endedAt)
	return run, nil
}

func collectScanFromRows(rows pgx.Rows) (*model.ScanRun, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	run, err := scanRunFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return run, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
