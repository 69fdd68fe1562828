package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asfalis/asfalis/internal/domain/model"
)

// StageRepo provides database operations for pipeline stage records.
// Stage rows are owned by the single worker that claimed the scan; no other
// worker touches them, so no row locking is needed here.
type StageRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewStageRepo creates a new StageRepo.
func NewStageRepo(db *sql.DB, cfg RepoConfig) *StageRepo {
	return &StageRepo{DB: db, logger: cfg.Logger}
}

// Begin inserts a stage record with a start time and returns its id.
func (r *StageRepo) Begin(ctx context.Context, scanID, name string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO scan_stages (scan_id, name, started_at)
		VALUES ($1, $2, now())
		RETURNING id
	`, scanID, name).Scan(&id)
	if err != nil {
		return 0, classifyPgError(err, "begin stage")
	}
	return id, nil
}

// Finish stamps a stage record with its end time, captured log, and optional
// error message.
func (r *StageRepo) Finish(ctx context.Context, id int64, log, errMsg string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE scan_stages
		SET ended_at = now(),
		    log = $2,
		    error_message = NULLIF($3, '')
		WHERE id = $1
	`, id, log, errMsg)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish stage rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStageNotFound
	}
	return nil
}

// ListByScan returns all stage records for a scan in execution order.
func (r *StageRepo) ListByScan(ctx context.Context, scanID string) ([]model.StageRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, scan_id, name, started_at, ended_at, log, error_message
		FROM scan_stages
		WHERE scan_id = $1
		ORDER BY id ASC
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stages []model.StageRecord
	for rows.Next() {
		var s model.StageRecord
		var endedAt sql.NullTime
		var errMsg sql.NullString
		if scanErr := rows.Scan(&s.ID, &s.ScanID, &s.Name, &s.StartedAt, &endedAt, &s.Log, &errMsg); scanErr != nil {
			return nil, scanErr
		}
		s.EndedAt = nullableTime(endedAt)
		s.ErrorMessage = nullableString(errMsg)
		stages = append(stages, s)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return stages, nil
}

// Get retrieves one stage record.
func (r *StageRepo) Get(ctx context.Context, id int64) (*model.StageRecord, error) {
	var s model.StageRecord
	var endedAt sql.NullTime
	var errMsg sql.NullString
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, scan_id, name, started_at, ended_at, log, error_message
		FROM scan_stages
		WHERE id = $1
	`, id).Scan(&s.ID, &s.ScanID, &s.Name, &s.StartedAt, &endedAt, &s.Log, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stage: %w", err)
	}
	s.EndedAt = nullableTime(endedAt)
	s.ErrorMessage = nullableString(errMsg)
	return &s, nil
}
