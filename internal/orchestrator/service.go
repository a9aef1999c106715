// Package orchestrator is the entry point the HTTP layer talks to: it starts
// analysis jobs, accepts worker reports and answers status queries.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/cache"
	"github.com/kiranshivaraju/repolens/internal/lifecycle"
	"github.com/kiranshivaraju/repolens/internal/repourl"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/internal/webhook"
	"github.com/kiranshivaraju/repolens/pkg/models"
)

// Launcher starts a worker for a freshly created job without waiting for it.
type Launcher interface {
	Launch(job *models.Job) error
}

// StartRequest is a request to analyze one repository.
type StartRequest struct {
	RepoURL      string
	RequesterRef string
}

// Service ties the job store, launcher and webhook correlator together.
type Service struct {
	store      store.Store
	cache      cache.Cache
	launcher   Launcher
	correlator *webhook.Correlator
	finalizer  *lifecycle.Finalizer
	statusTTL  time.Duration
}

// NewService creates a Service. c may be nil, in which case status queries
// always read the store.
func NewService(st store.Store, c cache.Cache, l Launcher, corr *webhook.Correlator, f *lifecycle.Finalizer, statusTTL time.Duration) *Service {
	if statusTTL <= 0 {
		statusTTL = lifecycle.DefaultStatusTTL
	}
	return &Service{
		store:      st,
		cache:      c,
		launcher:   l,
		correlator: corr,
		finalizer:  f,
		statusTTL:  statusTTL,
	}
}

// StartJob validates the repository, records a pending job and hands it to
// the launcher. It returns as soon as the job is recorded; the outcome
// arrives later through a worker callback. Validation failures are returned
// as *repourl.Error and create nothing.
func (s *Service) StartJob(ctx context.Context, req StartRequest) (*models.Job, error) {
	loc, err := repourl.Parse(req.RepoURL)
	if err != nil {
		return nil, err
	}

	job, err := s.store.CreateJob(ctx, store.NewJob{
		RepositoryRef: loc.URL,
		RequesterRef:  req.RequesterRef,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	log := slog.With("correlation_id", job.CorrelationID)
	log.Info("job created", "repository", loc.URL, "requester", req.RequesterRef)

	// The caller always gets the pending job; a refused launch is reported
	// through the stored status and the failure event.
	if err := s.launcher.Launch(job); err != nil {
		log.Error("launch rejected", "error", err)
		if _, _, ferr := s.finalizer.Finalize(ctx, job.CorrelationID, lifecycle.Failed("launch failed: "+err.Error(), nil)); ferr != nil {
			return nil, fmt.Errorf("record launch failure: %w", ferr)
		}
	}
	return job, nil
}

// ReportCompletion handles a worker's terminal callback.
func (s *Service) ReportCompletion(ctx context.Context, cb webhook.Callback) (webhook.Result, error) {
	return s.correlator.HandleCallback(ctx, cb)
}

// ReportProgress handles an intermediate progress callback.
func (s *Service) ReportProgress(ctx context.Context, cb webhook.Callback) (webhook.Result, error) {
	return s.correlator.HandleProgress(ctx, cb)
}

func (s *Service) GetJob(ctx context.Context, correlationID uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, correlationID)
}

func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// Status returns the job's current status. Only terminal statuses are
// cached since they never change; anything else is read from the store.
func (s *Service) Status(ctx context.Context, correlationID uuid.UUID) (string, error) {
	if s.cache != nil {
		status, ok, err := s.cache.GetJobStatus(ctx, correlationID)
		if err != nil {
			slog.Warn("read cached job status failed", "correlation_id", correlationID, "error", err)
		} else if ok && models.IsTerminal(status) {
			return status, nil
		}
	}

	job, err := s.store.GetJob(ctx, correlationID)
	if err != nil {
		return "", err
	}
	if job.Terminal() && s.cache != nil {
		if err := s.cache.SetJobStatus(ctx, correlationID, job.Status, s.statusTTL); err != nil {
			slog.Warn("cache job status failed", "correlation_id", correlationID, "error", err)
		}
	}
	return job.Status, nil
}
