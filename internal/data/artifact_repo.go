package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asfalis/asfalis/internal/domain/model"
)

// ArtifactRepo provides database operations for evidence blobs.
type ArtifactRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewArtifactRepo creates a new ArtifactRepo.
func NewArtifactRepo(db *sql.DB, cfg RepoConfig) *ArtifactRepo {
	return &ArtifactRepo{DB: db, logger: cfg.Logger}
}

// Put stores a named artifact for a scan. Artifacts are immutable; writing the
// same name twice for one scan is a conflict.
func (r *ArtifactRepo) Put(ctx context.Context, scanID, name, contentType string, body []byte) error {
	if name == "" {
		return errors.New("artifact name is required")
	}
	if contentType == "" {
		contentType = "application/json"
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO artifacts (scan_id, name, content_type, body)
		VALUES ($1, $2, $3, $4)
	`, scanID, name, contentType, body)
	if err != nil {
		return classifyPgError(err, fmt.Sprintf("store artifact %q", name))
	}
	return nil
}

// ListByScan returns artifact metadata for a scan, without bodies.
func (r *ArtifactRepo) ListByScan(ctx context.Context, scanID string) ([]model.ArtifactInfo, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, name, content_type, octet_length(body), created_at
		FROM artifacts
		WHERE scan_id = $1
		ORDER BY id ASC
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []model.ArtifactInfo
	for rows.Next() {
		var a model.ArtifactInfo
		if scanErr := rows.Scan(&a.ID, &a.Name, &a.ContentType, &a.Size, &a.CreatedAt); scanErr != nil {
			return nil, scanErr
		}
		infos = append(infos, a)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return infos, nil
}

// Get retrieves a named artifact, including its body.
func (r *ArtifactRepo) Get(ctx context.Context, scanID, name string) (*model.Artifact, error) {
	var a model.Artifact
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, scan_id, name, content_type, body, created_at
		FROM artifacts
		WHERE scan_id = $1 AND name = $2
	`, scanID, name).Scan(&a.ID, &a.ScanID, &a.Name, &a.ContentType, &a.Body, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}
