// Package lifecycle owns the terminal transition of a job. Every path that
// can end a job (launch failure, worker callback, stale sweep) goes through
// Finalizer so a job is finalized and announced exactly once.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/cache"
	"github.com/kiranshivaraju/repolens/internal/fanout"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/pkg/models"
)

const DefaultStatusTTL = 30 * time.Minute

// Outcome is the terminal result to record for a job.
type Outcome struct {
	Status       string
	RawSummary   json.RawMessage
	Report       *models.Report
	ErrorMessage string
}

func Completed(raw json.RawMessage, report *models.Report) Outcome {
	return Outcome{Status: models.JobStatusCompleted, RawSummary: raw, Report: report}
}

func Failed(message string, raw json.RawMessage) Outcome {
	return Outcome{Status: models.JobStatusFailed, RawSummary: raw, ErrorMessage: message}
}

type Finalizer struct {
	store     store.Store
	publisher fanout.Publisher
	cache     cache.Cache
	statusTTL time.Duration
}

// NewFinalizer creates a Finalizer. c may be nil when no status cache is used.
func NewFinalizer(st store.Store, pub fanout.Publisher, c cache.Cache, statusTTL time.Duration) *Finalizer {
	if statusTTL <= 0 {
		statusTTL = DefaultStatusTTL
	}
	return &Finalizer{store: st, publisher: pub, cache: c, statusTTL: statusTTL}
}

// Finalize moves the job to its terminal status. When the job was already
// terminal the stored record is returned with alreadyTerminal set and nothing
// is published. Store errors are returned unchanged.
func (f *Finalizer) Finalize(ctx context.Context, correlationID uuid.UUID, out Outcome) (job *models.Job, alreadyTerminal bool, err error) {
	job, alreadyTerminal, err = f.store.TransitionToTerminal(ctx, correlationID, store.TerminalUpdate{
		Status:       out.Status,
		RawSummary:   out.RawSummary,
		Report:       out.Report,
		ErrorMessage: out.ErrorMessage,
	})
	if err != nil {
		return nil, false, err
	}
	if alreadyTerminal {
		slog.Debug("job already terminal, outcome ignored",
			"correlation_id", correlationID, "status", job.Status, "ignored_status", out.Status)
		return job, true, nil
	}

	if f.cache != nil {
		if err := f.cache.SetJobStatus(ctx, correlationID, job.Status, f.statusTTL); err != nil {
			slog.Warn("cache job status failed", "correlation_id", correlationID, "error", err)
		}
	}

	if err := f.publisher.Publish(ctx, models.TerminalEvent(job)); err != nil {
		slog.Error("publish terminal event failed", "correlation_id", correlationID, "error", err)
	}

	slog.Info("job finalized", "correlation_id", correlationID, "status", job.Status)
	return job, false, nil
}
