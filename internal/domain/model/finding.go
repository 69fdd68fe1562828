package model

import "time"

// Severity is the normalized five-level severity scale all tool-specific
// severities are mapped into.
type Severity string

const (
	// SeverityCritical is the highest normalized severity.
	SeverityCritical Severity = "CRITICAL"
	// SeverityHigh indicates a high-impact finding.
	SeverityHigh Severity = "HIGH"
	// SeverityMed indicates a medium-impact finding.
	SeverityMed Severity = "MED"
	// SeverityLow indicates a low-impact finding.
	SeverityLow Severity = "LOW"
	// SeverityInfo is informational and the default for unrecognized severities.
	SeverityInfo Severity = "INFO"
)

// Valid returns true if the Severity is one of the five normalized levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMed, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Rank returns the sort rank of the severity; lower ranks sort first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMed:
		return 2
	case SeverityLow:
		return 3
	case SeverityInfo:
		return 4
	default:
		return 5
	}
}

// Finding is one normalized security observation derived from a tool's raw output.
type Finding struct {
	ID            int64     `json:"id"                       db:"id"`
	ScanID        string    `json:"scan_id"                  db:"scan_id"`
	Tool          string    `json:"tool"                     db:"tool"`
	RuleID        string    `json:"rule_id"                  db:"rule_id"`
	Title         string    `json:"title"                    db:"title"`
	SeverityRaw   string    `json:"severity_raw"             db:"severity_raw"`
	Severity      Severity  `json:"severity"                 db:"severity"`
	SeverityScore *float64  `json:"severity_score,omitempty" db:"severity_score"`
	CWE           *string   `json:"cwe,omitempty"            db:"cwe"`
	Path          string    `json:"path"                     db:"path"`
	StartLine     *int      `json:"start_line,omitempty"     db:"start_line"`
	EndLine       *int      `json:"end_line,omitempty"       db:"end_line"`
	Fingerprint   string    `json:"fingerprint"              db:"fingerprint"`
	HelpText      string    `json:"help_text"                db:"help_text"`
	CreatedAt     time.Time `json:"created_at"               db:"created_at"`
}
