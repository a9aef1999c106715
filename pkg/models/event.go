package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobProgress  = "job.progress"
)

// Event is pushed to every connected observer when a job changes.
type Event struct {
	Type          string    `json:"type"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	Status        string    `json:"status,omitempty"`
	Report        *Report   `json:"report,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	Progress      int       `json:"progress,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TerminalEvent builds the completed/failed notification for a finished job.
func TerminalEvent(job *Job) Event {
	ev := Event{
		CorrelationID: job.CorrelationID,
		Status:        job.Status,
		Timestamp:     time.Now().UTC(),
	}
	if job.CompletedAt != nil {
		ev.Timestamp = *job.CompletedAt
	}
	switch job.Status {
	case JobStatusCompleted:
		ev.Type = EventJobCompleted
		ev.Report = job.Report
	default:
		ev.Type = EventJobFailed
		if job.ErrorMessage != nil {
			ev.ErrorMessage = *job.ErrorMessage
		}
	}
	return ev
}
