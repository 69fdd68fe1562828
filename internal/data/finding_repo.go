package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/asfalis/asfalis/internal/data/pgxutil"
	"github.com/asfalis/asfalis/internal/domain/model"
)

// FindingRepo provides database operations for normalized findings.
type FindingRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewFindingRepo creates a new FindingRepo.
func NewFindingRepo(db *sql.DB, cfg RepoConfig) *FindingRepo {
	return &FindingRepo{DB: db, logger: cfg.Logger}
}

// InsertBatch inserts all findings for a scan in one transaction.
func (r *FindingRepo) InsertBatch(ctx context.Context, scanID string, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	err := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		for i := range findings {
			f := &findings[i]
			if _, execErr := tx.Exec(ctx, `
				INSERT INTO findings
				  (scan_id, tool, rule_id, title, severity_raw, severity, severity_score,
				   cwe, path, start_line, end_line, fingerprint, help_text)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			`, scanID, f.Tool, f.RuleID, f.Title, f.SeverityRaw, f.Severity, f.SeverityScore,
				f.CWE, f.Path, f.StartLine, f.EndLine, f.Fingerprint, f.HelpText); execErr != nil {
				return fmt.Errorf("insert finding %s: %w", f.Fingerprint, execErr)
			}
		}
		return nil
	})
	if err != nil {
		return classifyPgError(err, "insert findings")
	}
	return nil
}

// ListByScan returns all findings for a scan, sorted by normalized severity
// (critical first) then path.
func (r *FindingRepo) ListByScan(ctx context.Context, scanID string) ([]model.Finding, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, scan_id, tool, rule_id, title, severity_raw, severity, severity_score,
		       cwe, path, start_line, end_line, fingerprint, help_text, created_at
		FROM findings
		WHERE scan_id = $1
		ORDER BY CASE severity
		           WHEN 'CRITICAL' THEN 0
		           WHEN 'HIGH' THEN 1
		           WHEN 'MED' THEN 2
		           WHEN 'LOW' THEN 3
		           ELSE 4
		         END,
		         path ASC, id ASC
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var findings []model.Finding
	for rows.Next() {
		var f model.Finding
		var score sql.NullFloat64
		var cwe sql.NullString
		var startLine, endLine sql.NullInt32
		if scanErr := rows.Scan(&f.ID, &f.ScanID, &f.Tool, &f.RuleID, &f.Title, &f.SeverityRaw,
			&f.Severity, &score, &cwe, &f.Path, &startLine, &endLine,
			&f.Fingerprint, &f.HelpText, &f.CreatedAt); scanErr != nil {
			return nil, scanErr
		}
		if score.Valid {
			v := score.Float64
			f.SeverityScore = &v
		}
		f.CWE = nullableString(cwe)
		f.StartLine = nullableInt(startLine)
		f.EndLine = nullableInt(endLine)
		findings = append(findings, f)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return findings, nil
}

// CountBySeverity returns the number of findings per normalized severity for a scan.
func (r *FindingRepo) CountBySeverity(ctx context.Context, scanID string) (map[model.Severity]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT severity, count(*)
		FROM findings
		WHERE scan_id = $1
		GROUP BY severity
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.Severity]int)
	for rows.Next() {
		var sev model.Severity
		var n int
		if scanErr := rows.Scan(&sev, &n); scanErr != nil {
			return nil, scanErr
		}
		counts[sev] = n
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return counts, nil
}

func nullableInt(ni sql.NullInt32) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int32)
	return &v
}
