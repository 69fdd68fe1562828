// Package model defines the core data types used throughout the asfalis scan engine.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScanStatus represents the lifecycle state of a scan run.
type ScanStatus string

// Trigger describes what caused a scan run to be enqueued.
type Trigger string

const (
	// ScanStatusQueued indicates a scan run is waiting to be claimed by a worker.
	ScanStatusQueued ScanStatus = "queued"
	// ScanStatusRunning indicates a scan run is currently being processed.
	ScanStatusRunning ScanStatus = "running"
	// ScanStatusCompleted indicates a scan run has finished successfully.
	ScanStatusCompleted ScanStatus = "completed"
	// ScanStatusFailed indicates a scan run has failed.
	ScanStatusFailed ScanStatus = "failed"
	// ScanStatusCancelled indicates a scan run was cancelled before it finished.
	ScanStatusCancelled ScanStatus = "cancelled"

	// TriggerManual marks a scan requested explicitly by a user.
	TriggerManual Trigger = "manual"
	// TriggerWebhook marks a scan requested by an inbound repository event.
	TriggerWebhook Trigger = "webhook"
)

// ErrNoScansAvailable is returned when no queued scan runs are available to claim.
var ErrNoScansAvailable = errors.New("no scan runs available")

// Valid returns true if the ScanStatus is valid.
func (s ScanStatus) Valid() bool {
	return s == ScanStatusQueued || s == ScanStatusRunning || s == ScanStatusCompleted ||
		s == ScanStatusFailed || s == ScanStatusCancelled
}

// Terminal returns true if the status is a terminal state.
func (s ScanStatus) Terminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusCancelled
}

// Valid returns true if the Trigger is valid.
func (t Trigger) Valid() bool {
	return t == TriggerManual || t == TriggerWebhook
}

// UnmarshalText implements encoding.TextUnmarshaler for Trigger to allow env parsing.
func (t *Trigger) UnmarshalText(text []byte) error {
	v := Trigger(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid Trigger: %q", v)
	}
	*t = v
	return nil
}

// ScanRun represents one queued request to scan a repository snapshot.
type ScanRun struct {
	ID              string     `json:"id"                         db:"id"`
	Repo            string     `json:"repo"                       db:"repo"`
	Branch          string     `json:"branch"                     db:"branch"`
	CommitSHA       *string    `json:"commit_sha,omitempty"       db:"commit_sha"`
	InstallationID  int64      `json:"installation_id"            db:"installation_id"`
	Trigger         Trigger    `json:"trigger"                    db:"trigger"`
	Status          ScanStatus `json:"status"                     db:"status"`
	CurrentStage    *string    `json:"current_stage,omitempty"    db:"current_stage"`
	CancelRequested bool       `json:"cancel_requested"           db:"cancel_requested"`
	ErrorMessage    *string    `json:"error_message,omitempty"    db:"error_message"`
	ResultSummary   *string    `json:"result_summary,omitempty"   db:"result_summary"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt       time.Time  `json:"created_at"                 db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"       db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"         db:"ended_at"`
}

// EnqueueScanRequest represents a request to enqueue a new scan run.
type EnqueueScanRequest struct {
	Repo           string  `json:"repo"`
	Branch         string  `json:"branch"`
	CommitSHA      *string `json:"commit_sha,omitempty"`
	InstallationID int64   `json:"installation_id"`
	Trigger        Trigger `json:"trigger,omitempty"`
}

// Validate validates the EnqueueScanRequest fields.
func (r *EnqueueScanRequest) Validate() error {
	repo := strings.TrimSpace(r.Repo)
	if repo == "" {
		return errors.New("repo is required")
	}
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.New("repo must be in owner/name form")
	}
	if strings.TrimSpace(r.Branch) == "" {
		return errors.New("branch is required")
	}
	if r.CommitSHA != nil && strings.TrimSpace(*r.CommitSHA) == "" {
		return errors.New("commit_sha must not be blank when set")
	}
	if r.Trigger != "" && !r.Trigger.Valid() {
		return fmt.Errorf("invalid trigger: %q", r.Trigger)
	}
	return nil
}

// ScanStats represents counts of scan runs by status.
type ScanStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
