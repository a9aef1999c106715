package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/kiranshivaraju/repolens/internal/api/response"
	"github.com/kiranshivaraju/repolens/internal/webhook"
)

// CallbackTokenHeader carries the per-job token issued to the worker.
const CallbackTokenHeader = "X-Callback-Token"

const defaultMaxCallbackBytes = 10 << 20

// CallbackService defines the interface the webhook handlers depend on.
type CallbackService interface {
	ReportCompletion(ctx context.Context, cb webhook.Callback) (webhook.Result, error)
	ReportProgress(ctx context.Context, cb webhook.Callback) (webhook.Result, error)
}

type callbackResponse struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// NewCallbackHandler returns an http.HandlerFunc for POST /api/v1/webhooks/analysis.
// Rejected deliveries still answer 200 so workers do not retry them; only a
// storage failure answers 500.
func NewCallbackHandler(svc CallbackService, maxBytes int64) http.HandlerFunc {
	return callbackHandler(svc.ReportCompletion, maxBytes)
}

// NewProgressHandler returns an http.HandlerFunc for POST /api/v1/webhooks/analysis/progress.
func NewProgressHandler(svc CallbackService, maxBytes int64) http.HandlerFunc {
	return callbackHandler(svc.ReportProgress, maxBytes)
}

func callbackHandler(handle func(context.Context, webhook.Callback) (webhook.Result, error), maxBytes int64) http.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = defaultMaxCallbackBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge,
					"Callback body exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Could not read body", nil)
			return
		}

		res, err := handle(r.Context(), webhook.Callback{
			Body:  body,
			Token: r.Header.Get(CallbackTokenHeader),
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, response.CodeInternal,
				"Callback could not be recorded", nil)
			return
		}

		response.JSON(w, callbackResponse{
			Accepted:  res.Accepted,
			Reason:    res.Reason,
			Duplicate: res.Duplicate,
		})
	}
}
