package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/asfalis/asfalis/internal/errors"
)

// Shared sentinel errors for data-layer repositories.
var (
	// ErrScanNotFound is returned when a scan run is not found.
	ErrScanNotFound = errors.New("scan run not found")
	// ErrArtifactNotFound is returned when a named artifact does not exist for a scan.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrStageNotFound is returned when a stage record does not exist.
	ErrStageNotFound = errors.New("stage record not found")
)

// classifyPgError maps Postgres driver errors onto application error codes so
// callers can branch on conflict/validation without knowing SQLSTATE values.
func classifyPgError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, msg)
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, msg)
	case pgerrcode.ForeignKeyViolation, pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, msg)
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, msg)
	}
}
