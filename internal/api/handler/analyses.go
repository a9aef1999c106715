package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/repolens/internal/api/middleware"
	"github.com/kiranshivaraju/repolens/internal/api/response"
	"github.com/kiranshivaraju/repolens/internal/orchestrator"
	"github.com/kiranshivaraju/repolens/internal/repourl"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/pkg/models"
)

// JobService defines the interface the analysis handlers depend on.
type JobService interface {
	StartJob(ctx context.Context, req orchestrator.StartRequest) (*models.Job, error)
	GetJob(ctx context.Context, correlationID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Status(ctx context.Context, correlationID uuid.UUID) (string, error)
}

type startAnalysisRequest struct {
	RepoURL string `json:"repo_url"`

	// accepted from older clients
	RepoURLCamel string `json:"repoURL"`
}

type startAnalysisResponse struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Status        string    `json:"status"`
	RepositoryRef string    `json:"repository_ref"`
}

type statusResponse struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Status        string    `json:"status"`
}

// NewStartAnalysisHandler returns an http.HandlerFunc for POST /api/v1/analyses.
func NewStartAnalysisHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, ok := mw.GetRequesterRef(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing requester", nil)
			return
		}

		var req startAnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		repoURL := strings.TrimSpace(req.RepoURL)
		if repoURL == "" {
			repoURL = strings.TrimSpace(req.RepoURLCamel)
		}
		if repoURL == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "repo_url is required", nil)
			return
		}

		job, err := svc.StartJob(r.Context(), orchestrator.StartRequest{
			RepoURL:      repoURL,
			RequesterRef: requester,
		})
		if err != nil {
			var rerr *repourl.Error
			if errors.As(err, &rerr) {
				response.Error(w, http.StatusBadRequest, rerr.Code, rerr.Message, nil)
				return
			}
			slog.Error("start analysis failed", "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, startAnalysisResponse{
			CorrelationID: job.CorrelationID,
			Status:        job.Status,
			RepositoryRef: job.RepositoryRef,
		})
	}
}

// NewGetAnalysisHandler returns an http.HandlerFunc for GET /api/v1/analyses/{correlationID}.
// Jobs belonging to another requester are reported as not found.
func NewGetAnalysisHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := correlationIDParam(w, r)
		if !ok {
			return
		}
		requester, _ := mw.GetRequesterRef(r)

		job, err := svc.GetJob(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && job.RequesterRef != requester) {
			response.Error(w, http.StatusNotFound, response.CodeNotFound, "Analysis not found", nil)
			return
		}
		if err != nil {
			slog.Error("get analysis failed", "correlation_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewAnalysisStatusHandler returns an http.HandlerFunc for
// GET /api/v1/analyses/{correlationID}/status.
func NewAnalysisStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := correlationIDParam(w, r)
		if !ok {
			return
		}

		status, err := svc.Status(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.CodeNotFound, "Analysis not found", nil)
			return
		}
		if err != nil {
			slog.Error("get analysis status failed", "correlation_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, statusResponse{CorrelationID: id, Status: status})
	}
}

// NewListAnalysesHandler returns an http.HandlerFunc for GET /api/v1/analyses.
// With allRequesters set (admin route) the optional ?requester= filter
// replaces the caller's own requester.
func NewListAnalysesHandler(svc JobService, allRequesters bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			Status: q.Get("status"),
			Page:   queryInt(q.Get("page"), 1),
			Limit:  queryInt(q.Get("limit"), 20),
		}
		if filter.Status != "" && !validStatus(filter.Status) {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				"status must be one of pending, running, completed, failed", nil)
			return
		}
		if filter.Page < 1 || filter.Limit < 1 || filter.Limit > 100 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				"page must be >= 1 and limit between 1 and 100", nil)
			return
		}

		if allRequesters {
			filter.RequesterRef = q.Get("requester")
		} else {
			requester, ok := mw.GetRequesterRef(r)
			if !ok {
				response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing requester", nil)
				return
			}
			filter.RequesterRef = requester
		}

		jobs, total, err := svc.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("list analyses failed", "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.Paginate(filter.Page, filter.Limit, total))
	}
}

func correlationIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "correlationID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "correlation id must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func validStatus(s string) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed:
		return true
	}
	return false
}
