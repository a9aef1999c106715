package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// Fixed width so that text comparison orders timestamps correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite file for single-node
// deployments and local development.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers, which the conditional updates rely on.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- API Keys ---

func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, requester_ref, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = ? AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var (
			k                    models.APIKey
			scopes               string
			lastUsed, deleted    sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&k.ID, &k.RequesterRef, &k.Name, &k.KeyHash, &k.KeyPrefix, &scopes,
			&lastUsed, &deleted, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode api key scopes: %w", err)
		}
		if k.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
			return nil, err
		}
		if k.DeletedAt, err = parseNullTime(deleted); err != nil {
			return nil, err
		}
		if k.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if k.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := formatTime(s.opts.now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	encoded, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("encode api key scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, requester_ref, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.RequesterRef, key.Name, key.KeyHash, key.KeyPrefix, string(encoded),
		formatTime(key.CreatedAt), formatTime(key.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, params NewJob) (*models.Job, error) {
	for attempt := 1; ; attempt++ {
		now := formatTime(s.opts.now())
		row := s.db.QueryRowContext(ctx,
			`INSERT INTO analysis_jobs (correlation_id, status, repository_ref, requester_ref, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 RETURNING `+jobColumns,
			s.opts.allocate(), models.JobStatusPending, params.RepositoryRef, params.RequesterRef, now, now)
		job, err := scanSQLiteJob(row)
		if err == nil {
			return job, nil
		}
		if isUniqueViolation(err) && attempt < createAttempts {
			continue
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
}

func (s *SQLiteStore) GetJob(ctx context.Context, correlationID uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE correlation_id = ?`, correlationID)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if filter.RequesterRef != "" {
		conditions = append(conditions, "requester_ref = ?")
		args = append(args, filter.RequesterRef)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM analysis_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	_, limit, offset := normalizePage(filter.Page, filter.Limit)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *SQLiteStore) TransitionToRunning(ctx context.Context, correlationID uuid.UUID) error {
	now := formatTime(s.opts.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = ?, started_at = ?, updated_at = ?
		 WHERE correlation_id = ? AND status = ?`,
		models.JobStatusRunning, now, now, correlationID, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("transition job to running: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM analysis_jobs WHERE correlation_id = ?`, correlationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) TransitionToTerminal(ctx context.Context, correlationID uuid.UUID, update TerminalUpdate) (*models.Job, bool, error) {
	if err := update.validate(); err != nil {
		return nil, false, err
	}
	report, err := marshalReport(update.Report)
	if err != nil {
		return nil, false, fmt.Errorf("encode report: %w", err)
	}

	now := formatTime(s.opts.now())
	row := s.db.QueryRowContext(ctx,
		`UPDATE analysis_jobs SET
		   status = ?,
		   raw_summary = ?,
		   derived_report = ?,
		   error_message = ?,
		   started_at = COALESCE(started_at, ?),
		   completed_at = ?,
		   updated_at = ?
		 WHERE correlation_id = ? AND status IN (?, ?)
		 RETURNING `+jobColumns,
		update.Status, jsonArg(update.RawSummary), jsonArg(report), nullString(update.ErrorMessage),
		now, now, now, correlationID, models.JobStatusPending, models.JobStatusRunning)
	job, err := scanSQLiteJob(row)
	if err == nil {
		return job, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("transition job to %s: %w", update.Status, err)
	}

	existing, err := s.GetJob(ctx, correlationID)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (s *SQLiteStore) ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id FROM analysis_jobs
		 WHERE status = ? AND started_at < ?
		 ORDER BY started_at LIMIT ?`,
		models.JobStatusRunning, formatTime(startedBefore), limit)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		j                      models.Job
		raw, report, errMsg    sql.NullString
		startedAt, completedAt sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(&j.ID, &j.CorrelationID, &j.Status, &j.RepositoryRef, &j.RequesterRef,
		&raw, &report, &errMsg, &startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if raw.Valid {
		j.RawSummary = json.RawMessage(raw.String)
	}
	if report.Valid {
		if j.Report, err = unmarshalReport([]byte(report.String)); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
	}
	if errMsg.Valid {
		msg := errMsg.String
		j.ErrorMessage = &msg
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
