package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/correlation"
	"github.com/kiranshivaraju/repolens/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrAlreadyTerminal is returned when a non-terminal transition is requested
// for a job that has already completed or failed.
var ErrAlreadyTerminal = errors.New("job already terminal")

var ErrInvalidOutcome = errors.New("terminal status must be completed or failed")

// createAttempts bounds retries when the allocator hands out an id already in use.
const createAttempts = 3

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, params NewJob) (*models.Job, error)
	GetJob(ctx context.Context, correlationID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// TransitionToRunning moves a pending job to running. Already running is
	// a no-op; a terminal job yields ErrAlreadyTerminal.
	TransitionToRunning(ctx context.Context, correlationID uuid.UUID) error

	// TransitionToTerminal atomically moves a pending or running job to a
	// terminal status. When the job was already terminal it returns the
	// stored record unchanged with alreadyTerminal set and no error.
	TransitionToTerminal(ctx context.Context, correlationID uuid.UUID, update TerminalUpdate) (job *models.Job, alreadyTerminal bool, err error)

	ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error)
}

type NewJob struct {
	RepositoryRef string
	RequesterRef  string
}

type JobFilter struct {
	RequesterRef string
	Status       string
	Page         int
	Limit        int
}

// TerminalUpdate carries the outcome written by TransitionToTerminal.
type TerminalUpdate struct {
	Status       string
	RawSummary   json.RawMessage
	Report       *models.Report
	ErrorMessage string
}

func (u TerminalUpdate) validate() error {
	if !models.IsTerminal(u.Status) {
		return ErrInvalidOutcome
	}
	return nil
}

type options struct {
	allocate correlation.Allocator
	now      func() time.Time
}

// Option configures a store implementation.
type Option func(*options)

// WithAllocator overrides correlation.New.
func WithAllocator(a correlation.Allocator) Option {
	return func(o *options) {
		o.allocate = a
	}
}

// WithClock overrides time.Now for timestamps written by the store.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		allocate: correlation.New,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func normalizePage(page, limit int) (int, int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit, (page - 1) * limit
}

func marshalReport(r *models.Report) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func unmarshalReport(b []byte) (*models.Report, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var r models.Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
