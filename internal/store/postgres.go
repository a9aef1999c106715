package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/repolens/pkg/models"
)

const jobColumns = `id, correlation_id, status, repository_ref, requester_ref, raw_summary, derived_report,
	error_message, started_at, completed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, requester_ref, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.RequesterRef, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, requester_ref, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.RequesterRef, key.Name, key.KeyHash, key.KeyPrefix, scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, params NewJob) (*models.Job, error) {
	for attempt := 1; ; attempt++ {
		now := s.opts.now().UTC()
		row := s.pool.QueryRow(ctx,
			`INSERT INTO analysis_jobs (correlation_id, status, repository_ref, requester_ref, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)
			 RETURNING `+jobColumns,
			s.opts.allocate(), models.JobStatusPending, params.RepositoryRef, params.RequesterRef, now)
		job, err := scanJob(row)
		if err == nil {
			return job, nil
		}
		if isDuplicateKeyError(err) && attempt < createAttempts {
			continue
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
}

func (s *PostgresStore) GetJob(ctx context.Context, correlationID uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE correlation_id = $1`, correlationID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.RequesterRef != "" {
		conditions = append(conditions, fmt.Sprintf("requester_ref = $%d", argIdx))
		args = append(args, filter.RequesterRef)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM analysis_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	_, limit, offset := normalizePage(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM analysis_jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) TransitionToRunning(ctx context.Context, correlationID uuid.UUID) error {
	now := s.opts.now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = $2, started_at = $3, updated_at = $3
		 WHERE correlation_id = $1 AND status = $4`,
		correlationID, models.JobStatusRunning, now, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("transition job to running: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM analysis_jobs WHERE correlation_id = $1`, correlationID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if models.IsTerminal(status) {
		return ErrAlreadyTerminal
	}
	return nil
}

func (s *PostgresStore) TransitionToTerminal(ctx context.Context, correlationID uuid.UUID, update TerminalUpdate) (*models.Job, bool, error) {
	if err := update.validate(); err != nil {
		return nil, false, err
	}
	report, err := marshalReport(update.Report)
	if err != nil {
		return nil, false, fmt.Errorf("encode report: %w", err)
	}

	now := s.opts.now().UTC()
	// Row locking makes a concurrent writer re-check the status predicate
	// after the first commit, so only one of them sees a row.
	row := s.pool.QueryRow(ctx,
		`UPDATE analysis_jobs SET
		   status = $2,
		   raw_summary = $3,
		   derived_report = $4,
		   error_message = $5,
		   started_at = COALESCE(started_at, $6),
		   completed_at = $6,
		   updated_at = $6
		 WHERE correlation_id = $1 AND status IN ($7, $8)
		 RETURNING `+jobColumns,
		correlationID, update.Status, jsonArg(update.RawSummary), jsonArg(report),
		nullString(update.ErrorMessage), now, models.JobStatusPending, models.JobStatusRunning)
	job, err := scanJob(row)
	if err == nil {
		return job, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("transition job to %s: %w", update.Status, err)
	}

	existing, err := s.GetJob(ctx, correlationID)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (s *PostgresStore) ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT correlation_id FROM analysis_jobs
		 WHERE status = $1 AND started_at < $2
		 ORDER BY started_at LIMIT $3`,
		models.JobStatusRunning, startedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		raw    []byte
		report []byte
	)
	if err := row.Scan(&j.ID, &j.CorrelationID, &j.Status, &j.RepositoryRef, &j.RequesterRef,
		&raw, &report, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		j.RawSummary = raw
	}
	r, err := unmarshalReport(report)
	if err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	j.Report = r
	return &j, nil
}

// jsonArg maps an empty document to SQL NULL.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
