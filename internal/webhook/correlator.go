// Package webhook matches worker callbacks to their jobs and records the outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/correlation"
	"github.com/kiranshivaraju/repolens/internal/fanout"
	"github.com/kiranshivaraju/repolens/internal/lifecycle"
	"github.com/kiranshivaraju/repolens/internal/report"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Rejection reasons.
const (
	ReasonMalformed            = "malformed_payload"
	ReasonMissingCorrelationID = "missing_correlation_id"
	ReasonInvalidCorrelationID = "invalid_correlation_id"
	ReasonInvalidToken         = "invalid_token"
	ReasonUnknownCorrelationID = "unknown_correlation_id"
	ReasonJobTerminal          = "job_terminal"
)

const (
	defaultFailureMessage = "worker reported failure"
	ambiguousMessage      = "ambiguous callback: neither summary nor error"
	unreadableMessage     = "unreadable summary: "
)

// Callback is one inbound delivery from a worker.
type Callback struct {
	Body  []byte
	Token string
}

// Result reports how a delivery was handled. A rejected delivery has
// Accepted false and a Reason; it never touches any job.
type Result struct {
	Accepted  bool
	Reason    string
	Job       *models.Job
	Duplicate bool
}

func rejected(reason string) Result {
	return Result{Reason: reason}
}

type Correlator struct {
	store     store.Store
	finalizer *lifecycle.Finalizer
	publisher fanout.Publisher
	signer    *correlation.Signer
}

// NewCorrelator creates a Correlator. signer may be nil to accept unsigned callbacks.
func NewCorrelator(st store.Store, f *lifecycle.Finalizer, pub fanout.Publisher, signer *correlation.Signer) *Correlator {
	return &Correlator{store: st, finalizer: f, publisher: pub, signer: signer}
}

type callbackPayload struct {
	identifiers
	Status  string          `json:"status"`
	Error   string          `json:"error"`
	Summary json.RawMessage `json:"summary"`
	Items   json.RawMessage `json:"items"`
}

type progressPayload struct {
	identifiers
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
}

// identifiers lists every field a worker may use to carry the correlation
// ID, in order of preference. analysis_id is the legacy name.
type identifiers struct {
	CorrelationID      string `json:"correlation_id"`
	CorrelationIDCamel string `json:"correlationId"`
	AnalysisID         string `json:"analysis_id"`
}

func (ids identifiers) raw() string {
	for _, v := range []string{ids.CorrelationID, ids.CorrelationIDCamel, ids.AnalysisID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// HandleCallback records a worker's terminal report. The returned error is
// non-nil only when storage failed; the job is then left unchanged and the
// worker may retry. Once the correlation ID is known, a payload that cannot
// be read fails the job instead of being rejected.
func (c *Correlator) HandleCallback(ctx context.Context, cb Callback) (Result, error) {
	var ids identifiers
	if err := json.Unmarshal(cb.Body, &ids); err != nil {
		slog.Info("callback rejected", "reason", ReasonMalformed, "error", err)
		return rejected(ReasonMalformed), nil
	}

	id, reason := c.authenticate(ids, cb.Token)
	if reason != "" {
		return rejected(reason), nil
	}
	log := slog.With("correlation_id", id)

	var out lifecycle.Outcome
	var p callbackPayload
	if err := decode(cb.Body, callbackSchema, &p); err != nil {
		out = unreadable(err, cb.Body)
	} else if out, err = outcome(p, cb.Body); err != nil {
		out = unreadable(err, cb.Body)
	}
	if out.Status == models.JobStatusFailed && out.ErrorMessage != "" {
		log.Info("callback reports failure", "error_message", out.ErrorMessage)
	}

	job, already, err := c.finalizer.Finalize(ctx, id, out)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("callback for unknown correlation id")
		return rejected(ReasonUnknownCorrelationID), nil
	}
	if err != nil {
		log.Error("record callback failed", "error", err)
		return Result{}, fmt.Errorf("record callback: %w", err)
	}
	if already {
		log.Info("duplicate callback ignored", "status", job.Status)
		return Result{Accepted: true, Job: job, Duplicate: true}, nil
	}
	return Result{Accepted: true, Job: job}, nil
}

// HandleProgress relays an intermediate progress report to observers. It
// never changes the job.
func (c *Correlator) HandleProgress(ctx context.Context, cb Callback) (Result, error) {
	var p progressPayload
	if err := decode(cb.Body, progressSchema, &p); err != nil {
		slog.Info("progress rejected", "reason", ReasonMalformed, "error", err)
		return rejected(ReasonMalformed), nil
	}

	id, reason := c.authenticate(p.identifiers, cb.Token)
	if reason != "" {
		return rejected(reason), nil
	}

	job, err := c.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("progress for unknown correlation id", "correlation_id", id)
		return rejected(ReasonUnknownCorrelationID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get job: %w", err)
	}
	if job.Terminal() {
		slog.Debug("progress after terminal status ignored", "correlation_id", id, "status", job.Status)
		return Result{Reason: ReasonJobTerminal, Job: job}, nil
	}

	ev := models.Event{
		Type:          models.EventJobProgress,
		CorrelationID: id,
		Status:        job.Status,
		Stage:         p.Stage,
		Progress:      p.Progress,
		Timestamp:     time.Now().UTC(),
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		slog.Error("publish progress failed", "correlation_id", id, "error", err)
	}
	return Result{Accepted: true, Job: job}, nil
}

func (c *Correlator) authenticate(ids identifiers, token string) (uuid.UUID, string) {
	raw := ids.raw()
	if raw == "" {
		slog.Info("callback rejected", "reason", ReasonMissingCorrelationID)
		return uuid.Nil, ReasonMissingCorrelationID
	}
	id, err := correlation.Parse(raw)
	if err != nil {
		slog.Info("callback rejected", "reason", ReasonInvalidCorrelationID)
		return uuid.Nil, ReasonInvalidCorrelationID
	}
	if !c.signer.Verify(id, token) {
		slog.Warn("callback rejected", "reason", ReasonInvalidToken, "correlation_id", id)
		return uuid.Nil, ReasonInvalidToken
	}
	return id, ""
}

// decode validates body against the schema and unmarshals it into dst.
func decode(body []byte, schema *jsonschema.Schema, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func unreadable(err error, raw []byte) lifecycle.Outcome {
	return lifecycle.Failed(unreadableMessage+err.Error(), raw)
}

// outcome classifies a callback. An explicit error wins; a summary or item
// list means success; anything else fails rather than guessing.
func outcome(p callbackPayload, raw []byte) (lifecycle.Outcome, error) {
	status := strings.ToLower(strings.TrimSpace(p.Status))
	if msg := strings.TrimSpace(p.Error); msg != "" || status == "error" || status == models.JobStatusFailed {
		if msg == "" {
			msg = defaultFailureMessage
		}
		return lifecycle.Failed(msg, raw), nil
	}
	if !present(p.Summary) && !present(p.Items) {
		return lifecycle.Failed(ambiguousMessage, raw), nil
	}

	r, err := report.Derive(raw)
	if err != nil {
		return lifecycle.Outcome{}, err
	}
	return lifecycle.Completed(raw, r), nil
}

// present reports whether a field carries a value. null, "" and false count
// as absent, matching what workers send when they have nothing to report.
func present(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", `""`, "false":
		return false
	}
	return true
}
