package model

import "time"

// ArtifactNameMerged is the reserved artifact name for the combined
// multi-run evidence document.
const ArtifactNameMerged = "merged"

// Artifact is one persisted evidence blob for a scan run, immutable once written.
type Artifact struct {
	ID          int64     `json:"id"           db:"id"`
	ScanID      string    `json:"scan_id"      db:"scan_id"`
	Name        string    `json:"name"         db:"name"`
	ContentType string    `json:"content_type" db:"content_type"`
	Body        []byte    `json:"-"            db:"body"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// ArtifactInfo describes an artifact without its body, for listing.
type ArtifactInfo struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}
