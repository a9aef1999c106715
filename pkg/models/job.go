package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job tracks one analysis request. The API returns the correlation_id on
// POST /api/v1/analyses; the worker reports back against the same id and the
// client polls GET /api/v1/analyses/{correlation_id} or listens on the
// events stream until status is completed or failed.
type Job struct {
	ID            int64           `db:"id"             json:"-"`
	CorrelationID uuid.UUID       `db:"correlation_id" json:"correlation_id"`
	Status        string          `db:"status"         json:"status"`
	RepositoryRef string          `db:"repository_ref" json:"repository_ref"`
	RequesterRef  string          `db:"requester_ref"  json:"requester_ref,omitempty"`
	RawSummary    json.RawMessage `db:"raw_summary"    json:"-"`
	Report        *Report         `db:"derived_report" json:"report,omitempty"`
	ErrorMessage  *string         `db:"error_message"  json:"error_message,omitempty"`
	StartedAt     *time.Time      `db:"started_at"     json:"started_at,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at"   json:"completed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`
}

// IsTerminal reports whether the status is completed or failed.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return IsTerminal(j.Status)
}
