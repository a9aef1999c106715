package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/repolens/internal/api"
	"github.com/kiranshivaraju/repolens/internal/api/handler"
	mw "github.com/kiranshivaraju/repolens/internal/api/middleware"
	"github.com/kiranshivaraju/repolens/internal/correlation"
	"github.com/kiranshivaraju/repolens/internal/fanout"
	"github.com/kiranshivaraju/repolens/internal/lifecycle"
	"github.com/kiranshivaraju/repolens/internal/orchestrator"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/internal/webhook"
	"github.com/kiranshivaraju/repolens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	userKey  = "rl_user_1234567890abcdef"
	adminKey = "rl_admin1234567890abcdef"
	secret   = "webhook-secret"
)

// --- stubs ---

type stubCounter struct{}

func (stubCounter) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

// recordingLauncher stands in for the process launcher.
type recordingLauncher struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (l *recordingLauncher) Launch(job *models.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, job)
	return nil
}

func (l *recordingLauncher) launched() []*models.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*models.Job(nil), l.jobs...)
}

type testServer struct {
	*httptest.Server
	store    *store.SQLiteStore
	hub      *fanout.Hub
	signer   *correlation.Signer
	launcher *recordingLauncher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, k := range []struct {
		raw, requester string
		scopes         []string
	}{
		{userKey, "user-1", []string{"read"}},
		{adminKey, "admin-1", []string{"read", mw.ScopeAdmin}},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(k.raw), bcrypt.MinCost)
		require.NoError(t, err)
		now := time.Now().UTC()
		require.NoError(t, s.CreateAPIKey(ctx, &models.APIKey{
			ID:           uuid.New(),
			RequesterRef: k.requester,
			Name:         k.requester,
			KeyHash:      string(hash),
			KeyPrefix:    k.raw[:8],
			Scopes:       k.scopes,
			CreatedAt:    now,
			UpdatedAt:    now,
		}))
	}

	hub := fanout.NewHub(16)
	t.Cleanup(hub.Close)
	signer := correlation.NewSigner(secret)
	fin := lifecycle.NewFinalizer(s, hub, nil, 0)
	corr := webhook.NewCorrelator(s, fin, hub, signer)
	l := &recordingLauncher{}
	svc := orchestrator.NewService(s, nil, l, corr, fin, 0)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(s),
		RateLimit: mw.NewRateLimit(stubCounter{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		StartAnalysis:     handler.NewStartAnalysisHandler(svc),
		ListAnalyses:      handler.NewListAnalysesHandler(svc, false),
		GetAnalysis:       handler.NewGetAnalysisHandler(svc),
		AnalysisStatus:    handler.NewAnalysisStatusHandler(svc),
		AdminListAnalyses: handler.NewListAnalysesHandler(svc, true),
		CallbackHandler:   handler.NewCallbackHandler(svc, 4096),
		ProgressHandler:   handler.NewProgressHandler(svc, 4096),
		EventsHandler:     handler.NewEventsHandler(hub, "*"),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: s, hub: hub, signer: signer, launcher: l}
}

func (ts *testServer) do(t *testing.T, method, path, key string, body []byte, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (ts *testServer) start(t *testing.T, key, repo string) uuid.UUID {
	t.Helper()
	status, body := ts.do(t, "POST", "/api/v1/analyses", key, []byte(fmt.Sprintf(`{"repo_url":%q}`, repo)), nil)
	require.Equal(t, http.StatusAccepted, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, models.JobStatusPending, data["status"])
	return uuid.MustParse(data["correlation_id"].(string))
}

func (ts *testServer) callback(t *testing.T, id uuid.UUID, payload string) (int, map[string]any) {
	t.Helper()
	return ts.do(t, "POST", "/api/v1/webhooks/analysis", "", []byte(payload), http.Header{
		handler.CallbackTokenHeader: {ts.signer.Token(id)},
	})
}

// --- router tests ---

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, "GET", "/api/v1/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	ts := newTestServer(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/analyses"},
		{"GET", "/api/v1/analyses"},
		{"GET", "/api/v1/analyses/" + uuid.NewString()},
		{"GET", "/api/v1/analyses/" + uuid.NewString() + "/status"},
		{"GET", "/api/v1/admin/analyses"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			status, body := ts.do(t, ep.method, ep.path, "", nil, nil)
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.Equal(t, "INVALID_TOKEN", body["error"].(map[string]any)["code"])
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, "GET", "/api/v1/nonexistent", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRouter_AnalysisLifecycle(t *testing.T) {
	ts := newTestServer(t)

	id := ts.start(t, userKey, "https://github.com/acme/widgets")
	launched := ts.launcher.launched()
	require.Len(t, launched, 1)
	assert.Equal(t, id, launched[0].CorrelationID)

	status, body := ts.do(t, "GET", "/api/v1/analyses/"+id.String()+"/status", userKey, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.JobStatusPending, body["data"].(map[string]any)["status"])

	status, body = ts.callback(t, id, fmt.Sprintf(`{"correlationId":"%s","items":[{"title":"a"},{"title":"b"},{"title":"c"}]}`, id))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]any)["accepted"])

	status, body = ts.do(t, "GET", "/api/v1/analyses/"+id.String(), userKey, nil, nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, models.JobStatusCompleted, data["status"])
	assert.Equal(t, float64(94), data["report"].(map[string]any)["score"])
	_, leaked := data["raw_summary"]
	assert.False(t, leaked)

	// duplicate delivery is accepted and changes nothing
	status, body = ts.callback(t, id, fmt.Sprintf(`{"correlationId":"%s","error":"late"}`, id))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]any)["duplicate"])

	status, body = ts.do(t, "GET", "/api/v1/analyses", userKey, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"].([]any), 1)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])
}

func TestRouter_StartAnalysisValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		body string
		code string
	}{
		{`not json`, "INVALID_REQUEST"},
		{`{}`, "INVALID_REQUEST"},
		{`{"repo_url":"not a url"}`, "INVALID_URL"},
		{`{"repo_url":"http://github.com/acme/widgets"}`, "INVALID_HTTPS_URL"},
		{`{"repo_url":"https://gitlab.com/acme/widgets"}`, "INVALID_GITHUB_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			status, body := ts.do(t, "POST", "/api/v1/analyses", userKey, []byte(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.code, body["error"].(map[string]any)["code"])
		})
	}
	assert.Empty(t, ts.launcher.launched())
}

func TestRouter_LegacyRepoURLField(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, "POST", "/api/v1/analyses", userKey, []byte(`{"repoURL":"https://github.com/acme/widgets"}`), nil)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestRouter_OtherRequestersJobIsHidden(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, adminKey, "https://github.com/acme/widgets")

	status, _ := ts.do(t, "GET", "/api/v1/analyses/"+id.String(), userKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := ts.do(t, "GET", "/api/v1/analyses", userKey, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["data"].([]any))
}

func TestRouter_GetAnalysisErrors(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, "GET", "/api/v1/analyses/not-a-uuid", userKey, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := ts.do(t, "GET", "/api/v1/analyses/"+uuid.NewString(), userKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])

	status, _ = ts.do(t, "GET", "/api/v1/analyses/"+uuid.NewString()+"/status", userKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRouter_ListValidation(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"?status=done", "?page=0", "?limit=500", "?page=x"} {
		status, _ := ts.do(t, "GET", "/api/v1/analyses"+q, userKey, nil, nil)
		assert.Equal(t, http.StatusBadRequest, status, q)
	}
}

func TestRouter_AdminList(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, userKey, "https://github.com/acme/one")
	ts.start(t, adminKey, "https://github.com/acme/two")

	status, body := ts.do(t, "GET", "/api/v1/admin/analyses", userKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", body["error"].(map[string]any)["code"])

	status, body = ts.do(t, "GET", "/api/v1/admin/analyses", adminKey, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"].([]any), 2)

	status, body = ts.do(t, "GET", "/api/v1/admin/analyses?requester=user-1", adminKey, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"].([]any), 1)
}

func TestRouter_CallbackRejections(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, userKey, "https://github.com/acme/widgets")

	// unknown id
	other := uuid.New()
	status, body := ts.callback(t, other, fmt.Sprintf(`{"correlation_id":"%s","items":[]}`, other))
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, false, data["accepted"])
	assert.Equal(t, webhook.ReasonUnknownCorrelationID, data["reason"])

	// wrong token
	status, body = ts.do(t, "POST", "/api/v1/webhooks/analysis", "",
		[]byte(fmt.Sprintf(`{"correlation_id":"%s","items":[]}`, id)),
		http.Header{handler.CallbackTokenHeader: {"forged"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, webhook.ReasonInvalidToken, body["data"].(map[string]any)["reason"])

	// oversized body
	big := fmt.Sprintf(`{"correlation_id":"%s","error":"%s"}`, id, strings.Repeat("x", 5000))
	status, body = ts.callback(t, id, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", body["error"].(map[string]any)["code"])

	job, err := ts.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestRouter_EventsStream(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, userKey, "https://github.com/acme/widgets")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?correlation_id=" + id.String()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// the subscription is registered after the upgrade completes
	require.Eventually(t, func() bool { return ts.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// an event for another job is filtered out
	require.NoError(t, ts.hub.Publish(context.Background(), models.Event{Type: models.EventJobProgress, CorrelationID: uuid.New()}))

	status, _ := ts.do(t, "POST", "/api/v1/webhooks/analysis/progress", "",
		[]byte(fmt.Sprintf(`{"correlation_id":"%s","stage":"clone","progress":20}`, id)),
		http.Header{handler.CallbackTokenHeader: {ts.signer.Token(id)}})
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.callback(t, id, fmt.Sprintf(`{"correlation_id":"%s","items":[]}`, id))
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var progress, done models.Event
	require.NoError(t, conn.ReadJSON(&progress))
	require.NoError(t, conn.ReadJSON(&done))

	assert.Equal(t, models.EventJobProgress, progress.Type)
	assert.Equal(t, "clone", progress.Stage)
	assert.Equal(t, models.EventJobCompleted, done.Type)
	assert.Equal(t, id, done.CorrelationID)
	require.NotNil(t, done.Report)
	assert.Equal(t, 100, done.Report.Score)

	conn.Close()
	assert.Eventually(t, func() bool { return ts.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRouter_EventsRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t)
	router := api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(ts.store),
		RateLimit:     mw.NewRateLimit(stubCounter{}, 60),
		EventsHandler: handler.NewEventsHandler(ts.hub, "https://app.example.com"),
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, resp2, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	defer resp2.Body.Close()
	conn.Close()
}

func TestRouter_UnwiredHandlerIsNotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(nil),
		RateLimit: mw.NewRateLimit(stubCounter{}, 60),
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
