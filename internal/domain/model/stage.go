package model

import "time"

// Pipeline stage names, in execution order. The dependency and pattern
// stages run concurrently; everything else is sequential.
const (
	StageFetchRepo       = "fetch_repo"
	StageDependencyScan  = "dependency_scan"
	StagePatternScan     = "pattern_scan"
	StageSemanticScan    = "semantic_scan"
	StagePublishOptional = "publish_optional"
	StageNormalize       = "normalize"
	StageFinalize        = "finalize"
)

// StageRecord captures one pipeline stage attempted for a scan run.
// Records are append-only within a run and ordered by ID.
type StageRecord struct {
	ID           int64      `json:"id"                      db:"id"`
	ScanID       string     `json:"scan_id"                 db:"scan_id"`
	Name         string     `json:"name"                    db:"name"`
	StartedAt    time.Time  `json:"started_at"              db:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"      db:"ended_at"`
	Log          string     `json:"log"                     db:"log"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
}

// Failed returns true if the stage recorded an error.
func (s *StageRecord) Failed() bool {
	return s.ErrorMessage != nil && *s.ErrorMessage != ""
}
