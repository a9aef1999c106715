package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a Store backed by the same database on every call so
// tests can combine instances built with different options.
type storeFactory func(t *testing.T, opts ...store.Option) store.Store

// testStoreContract exercises the behaviour every Store implementation must share.
func testStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("CreateRetriesOnCollision", func(t *testing.T) { testCreateRetriesOnCollision(t, newStore) })
	t.Run("CreateGivesUpOnPersistentCollision", func(t *testing.T) { testCreateGivesUp(t, newStore) })
	t.Run("TransitionToRunning", func(t *testing.T) { testTransitionToRunning(t, newStore(t)) })
	t.Run("TransitionToRunningNotFound", func(t *testing.T) { testTransitionToRunningNotFound(t, newStore(t)) })
	t.Run("CompleteRunningJob", func(t *testing.T) { testCompleteRunningJob(t, newStore(t)) })
	t.Run("RawSummaryKeptVerbatim", func(t *testing.T) { testRawSummaryVerbatim(t, newStore(t)) })
	t.Run("FailPendingJob", func(t *testing.T) { testFailPendingJob(t, newStore(t)) })
	t.Run("TerminalIsImmutable", func(t *testing.T) { testTerminalIsImmutable(t, newStore(t)) })
	t.Run("TerminalNotFound", func(t *testing.T) { testTerminalNotFound(t, newStore(t)) })
	t.Run("TerminalRejectsNonTerminalStatus", func(t *testing.T) { testTerminalRejectsNonTerminal(t, newStore(t)) })
	t.Run("ConcurrentTerminalSingleWinner", func(t *testing.T) { testConcurrentTerminal(t, newStore(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("ListStaleRunning", func(t *testing.T) { testListStaleRunning(t, newStore) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
}

func newRequester() string {
	return "user-" + uuid.NewString()
}

func createJob(t *testing.T, s store.Store) *models.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), store.NewJob{
		RepositoryRef: "https://github.com/acme/widgets",
		RequesterRef:  newRequester(),
	})
	require.NoError(t, err)
	return job
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()

	job, err := s.CreateJob(ctx, store.NewJob{
		RepositoryRef: "https://github.com/acme/widgets",
		RequesterRef:  "user-42",
	})
	require.NoError(t, err)

	assert.NotZero(t, job.ID)
	assert.NotEqual(t, uuid.Nil, job.CorrelationID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "https://github.com/acme/widgets", job.RepositoryRef)
	assert.Equal(t, "user-42", job.RequesterRef)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Nil(t, job.Report)
	assert.Nil(t, job.ErrorMessage)

	got, err := s.GetJob(ctx, job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.CorrelationID, got.CorrelationID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)

	other := createJob(t, s)
	assert.NotEqual(t, job.CorrelationID, other.CorrelationID)
}

func testGetNotFound(t *testing.T, s store.Store) {
	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateRetriesOnCollision(t *testing.T, newStore storeFactory) {
	fixed := uuid.New()
	var calls atomic.Int32
	s := newStore(t, store.WithAllocator(func() uuid.UUID {
		if calls.Add(1) <= 2 {
			return fixed
		}
		return uuid.New()
	}))
	ctx := context.Background()

	first, err := s.CreateJob(ctx, store.NewJob{RepositoryRef: "https://github.com/acme/a"})
	require.NoError(t, err)
	assert.Equal(t, fixed, first.CorrelationID)

	second, err := s.CreateJob(ctx, store.NewJob{RepositoryRef: "https://github.com/acme/b"})
	require.NoError(t, err)
	assert.NotEqual(t, fixed, second.CorrelationID)
	assert.Equal(t, int32(3), calls.Load())
}

func testCreateGivesUp(t *testing.T, newStore storeFactory) {
	fixed := uuid.New()
	s := newStore(t, store.WithAllocator(func() uuid.UUID { return fixed }))
	ctx := context.Background()

	_, err := s.CreateJob(ctx, store.NewJob{RepositoryRef: "https://github.com/acme/a"})
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, store.NewJob{RepositoryRef: "https://github.com/acme/b"})
	require.Error(t, err)

	// the existing record is untouched
	got, err := s.GetJob(ctx, fixed)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/a", got.RepositoryRef)
}

func testTransitionToRunning(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s)

	require.NoError(t, s.TransitionToRunning(ctx, job.CorrelationID))

	got, err := s.GetJob(ctx, job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	startedAt := *got.StartedAt

	// already running is a no-op and keeps the first start time
	require.NoError(t, s.TransitionToRunning(ctx, job.CorrelationID))
	got, err = s.GetJob(ctx, job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, startedAt, *got.StartedAt)

	_, _, err = s.TransitionToTerminal(ctx, job.CorrelationID, store.TerminalUpdate{
		Status:       models.JobStatusFailed,
		ErrorMessage: "boom",
	})
	require.NoError(t, err)

	err = s.TransitionToRunning(ctx, job.CorrelationID)
	assert.ErrorIs(t, err, store.ErrAlreadyTerminal)

	got, err = s.GetJob(ctx, job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func testTransitionToRunningNotFound(t *testing.T, s store.Store) {
	err := s.TransitionToRunning(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCompleteRunningJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s)
	require.NoError(t, s.TransitionToRunning(ctx, job.CorrelationID))

	raw := json.RawMessage(`{"correlationId":"x","items":[{"title":"t"}]}`)
	report := &models.Report{Score: 98, IssueCount: 1, WarningIssues: 1, Issues: []models.Issue{{Title: "t", Severity: "warning"}}}

	updated, already, err := s.TransitionToTerminal(ctx, job.CorrelationID, store.TerminalUpdate{
		Status:     models.JobStatusCompleted,
		RawSummary: raw,
		Report:     report,
	})
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, models.JobStatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	require.NotNil(t, updated.StartedAt)
	assert.False(t, updated.CompletedAt.Before(*updated.StartedAt))
	assert.Nil(t, updated.ErrorMessage)
	require.NotNil(t, updated.Report)
	assert.Equal(t, 98, updated.Report.Score)
	assert.JSONEq(t, string(raw), string(updated.RawSummary))

	got, err := s.GetJob(ctx, job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, report, got.Report)
}

func testRawSummaryVerbatim(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s)

	raw := "{\"summary\": {\"total_files\": 2},  \"items\": [],\n \"correlation_id\": \"x\", \"a\": 1.50}"
	_, _, err := s.TransitionToTerminal(ctx, job.CorrelationID, store.TerminalUpdate{
		Status:     models.JobStatusCompleted,
		RawSummary: json.RawMessage(raw),
		Report:     &models.Report{Score: 100, Issues: []models.Issue{}},
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, raw, string(got.RawSummary), "key order, spacing and number text are preserved")
}

func testFailPendingJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s)

	updated, already, err := s.TransitionToTerminal(ctx, job.CorrelationID, store.TerminalUpdate{
		Status:       models.JobStatusFailed,
		ErrorMessage: "launch failed: executable not found",
	})
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, models.JobStatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.Equal(t, "launch failed: executable not found", *updated.ErrorMessage)
	assert.NotNil(t, updated.CompletedAt)
	assert.NotNil(t, updated.StartedAt, "started_at is backfilled on terminal transitions")
	assert.Nil(t, updated.Report)
	assert.Nil(t, updated.RawSummary)
}

func testTerminalIsImmutable(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s)

	first, already, err := s.TransitionToTerminal(ctx, job.CorrelationID, store.TerminalUpdate{
		Status:     models.JobStatusCompleted,
		RawSummary: json.RawMessage(`{"items":[]}`),
		Report:     &models.Report{Score: 100, Issues: []models.Issue{}},
	})
	require.NoError(t, err)
	require.False(t, already)

	for _, status := range []string{models.JobStatusCompleted, models.JobStatusFailed} {
		again, already, err := s.TransitionToTerminal(ctx, job.CorrelationID, store.TerminalUpdate{
			Status:       status,
			RawSummary:   json.RawMessage(`{"items":[{"title":"late"}]}`),
			Report:       &models.Report{Score: 1},
			ErrorMessage: "late",
		})
		require.NoError(t, err)
		assert.True(t, already)
		assert.Equal(t, models.JobStatusCompleted, again.Status)
		assert.Equal(t, *first.CompletedAt, *again.CompletedAt)
		assert.Equal(t, 100, again.Report.Score)
		assert.Nil(t, again.ErrorMessage)
		assert.JSONEq(t, `{"items":[]}`, string(again.RawSummary))
	}
}

func testTerminalNotFound(t *testing.T, s store.Store) {
	_, _, err := s.TransitionToTerminal(context.Background(), uuid.New(), store.TerminalUpdate{
		Status: models.JobStatusCompleted,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTerminalRejectsNonTerminal(t *testing.T, s store.Store) {
	job := createJob(t, s)
	_, _, err := s.TransitionToTerminal(context.Background(), job.CorrelationID, store.TerminalUpdate{
		Status: models.JobStatusRunning,
	})
	assert.ErrorIs(t, err, store.ErrInvalidOutcome)
}

func testConcurrentTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s)
	require.NoError(t, s.TransitionToRunning(ctx, job.CorrelationID))

	const writers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		mu      sync.Mutex
		winner  string
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		status := models.JobStatusCompleted
		if i%2 == 1 {
			status = models.JobStatusFailed
		}
		wg.Add(1)
		go func(status string) {
			defer wg.Done()
			<-start
			_, already, err := s.TransitionToTerminal(ctx, job.CorrelationID, store.TerminalUpdate{
				Status:       status,
				ErrorMessage: "writer " + status,
			})
			assert.NoError(t, err)
			if !already {
				winners.Add(1)
				mu.Lock()
				winner = status
				mu.Unlock()
			}
		}(status)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	got, err := s.GetJob(ctx, job.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, winner, got.Status)
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	requester := newRequester()

	var created []*models.Job
	for i := 0; i < 5; i++ {
		job, err := s.CreateJob(ctx, store.NewJob{
			RepositoryRef: "https://github.com/acme/widgets",
			RequesterRef:  requester,
		})
		require.NoError(t, err)
		created = append(created, job)
	}
	createJob(t, s) // different requester

	_, _, err := s.TransitionToTerminal(ctx, created[0].CorrelationID, store.TerminalUpdate{
		Status:       models.JobStatusFailed,
		ErrorMessage: "x",
	})
	require.NoError(t, err)

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{RequesterRef: requester, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, jobs, 2)
	// newest first
	assert.Equal(t, created[4].CorrelationID, jobs[0].CorrelationID)
	assert.Equal(t, created[3].CorrelationID, jobs[1].CorrelationID)

	jobs, _, err = s.ListJobs(ctx, store.JobFilter{RequesterRef: requester, Page: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, created[0].CorrelationID, jobs[0].CorrelationID)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{RequesterRef: requester, Status: models.JobStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, created[0].CorrelationID, jobs[0].CorrelationID)
}

func testListStaleRunning(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-24 * time.Hour)
	var clock atomic.Int64
	clock.Store(base.UnixNano())
	s := newStore(t, store.WithClock(func() time.Time { return time.Unix(0, clock.Load()) }))

	old := createJob(t, s)
	require.NoError(t, s.TransitionToRunning(ctx, old.CorrelationID))

	clock.Store(base.Add(2 * time.Hour).UnixNano())
	fresh := createJob(t, s)
	require.NoError(t, s.TransitionToRunning(ctx, fresh.CorrelationID))
	pending := createJob(t, s)

	ids, err := s.ListStaleRunning(ctx, base.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Contains(t, ids, old.CorrelationID)
	assert.NotContains(t, ids, fresh.CorrelationID)
	assert.NotContains(t, ids, pending.CorrelationID)
}

func testAPIKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	prefix := uuid.NewString()[:8]
	key := &models.APIKey{
		ID:           uuid.New(),
		RequesterRef: "user-7",
		Name:         "ci",
		KeyHash:      "bcrypt-hash-here",
		KeyPrefix:    prefix,
		Scopes:       []string{"analyses:write", "analyses:read"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

	keys, err := s.GetAPIKeyByPrefix(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "user-7", keys[0].RequesterRef)
	assert.Equal(t, []string{"analyses:write", "analyses:read"}, keys[0].Scopes)
	assert.Nil(t, keys[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	keys, err = s.GetAPIKeyByPrefix(ctx, "nope0000")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
