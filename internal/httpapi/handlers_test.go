package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge/internal/audio"
	"voicebridge/internal/auth"
	"voicebridge/internal/config"
	"voicebridge/internal/ingest"
	"voicebridge/internal/normalize"
	"voicebridge/internal/providers"
	"voicebridge/internal/reconcile"
	"voicebridge/internal/records"
	"voicebridge/internal/syncrun"
)

type fakeDirectory struct {
	provider records.Provider
	items    []records.AssistantPatch
	err      error

	started chan struct{}
	block   chan struct{}
}

func (f *fakeDirectory) Provider() records.Provider { return f.provider }

func (f *fakeDirectory) ListAssistants(ctx context.Context) ([]records.AssistantPatch, error) {
	if f.block != nil {
		f.started <- struct{}{}
		<-f.block
	}
	return f.items, f.err
}

func str(s string) *string { return &s }

type env struct {
	router *gin.Engine
	store  *records.MemoryStore
	runs   *syncrun.MemoryRepo
	dir    *fakeDirectory
	auth   *auth.Manager

	recordings *httptest.Server
}

func newEnv(t *testing.T, configure ...func(*Handlers)) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := records.NewMemoryStore()
	store.PutClient(records.Client{ID: "c1", Name: "Acme", Active: true})
	store.PutAgent(records.Agent{ID: "ag1", ClientID: "c1", Status: records.AgentStatusActive, CreatedAt: time.Unix(100, 0)})
	store.PutAssistant(records.AssistantRecord{ExternalID: "a1", Provider: records.ProviderVapi, ClientID: "c1"})

	recordings := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	t.Cleanup(recordings.Close)

	mat, err := audio.New(audio.Options{Dir: t.TempDir(), Timeout: 5 * time.Second})
	require.NoError(t, err)

	dir := &fakeDirectory{
		provider: records.ProviderVapi,
		items: []records.AssistantPatch{
			{ExternalID: "a1", Name: str("Front desk")},
			{ExternalID: "a2", Name: str("After hours")},
		},
	}
	runs := syncrun.NewMemoryRepo()
	coord := reconcile.New(store, syncrun.NewService(runs), []providers.Directory{dir}, reconcile.Options{
		Sleep: func(ctx context.Context, d time.Duration) error { return nil },
	})

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	require.NoError(t, err)

	h := Handlers{
		Ingestor: ingest.New(normalize.New(normalize.Tables{}), store, mat),
		Sync:     coord,
		Runs:     syncrun.NewService(runs),
		Audio:    mat,
	}
	for _, fn := range configure {
		fn(&h)
	}

	r := gin.New()
	h.Register(r, auth.RequireAccessToken(mgr))
	return &env{router: r, store: store, runs: runs, dir: dir, auth: mgr, recordings: recordings}
}

func (e *env) token(t *testing.T, role string) string {
	t.Helper()
	pair, err := e.auth.IssuePair(time.Now(), "tester", role)
	require.NoError(t, err)
	return pair.AccessToken
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) webhook(provider, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider+"/call-logs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return e.do(req)
}

func (e *env) admin(t *testing.T, method, path, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, role))
	}
	return e.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func callPayload(callID, recordingURL string) string {
	return fmt.Sprintf(`{
		"message": {
			"type": "end-of-call-report",
			"endedAt": "2026-05-01T10:02:00Z",
			"recordingUrl": %q,
			"call": {"id": %q, "assistantId": "a1"},
			"transcript": "user: hi"
		}
	}`, recordingURL, callID)
}

func TestWebhook_CreateThenUpdate(t *testing.T) {
	e := newEnv(t)
	body := callPayload("call-1", e.recordings.URL+"/rec/call-1.wav")

	w := e.webhook("vapi", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, true, first["success"])
	assert.Equal(t, "call-1", first["externalCallId"])
	assert.Equal(t, false, first["isUpdate"])
	assert.NotEmpty(t, first["voiceLogId"])

	w = e.webhook("vapi", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode(t, w)
	assert.Equal(t, true, second["isUpdate"])
	assert.Equal(t, first["voiceLogId"], second["voiceLogId"])
	assert.Equal(t, 1, e.store.CallCount())
}

func TestWebhook_ServesMaterializedAudio(t *testing.T) {
	e := newEnv(t)
	w := e.webhook("vapi", callPayload("call-9", e.recordings.URL+"/rec/call-9.wav"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rec, err := e.store.FindCall(context.Background(), records.ProviderVapi, "call-9")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rec.AudioURL, "/audio/call-9_"), rec.AudioURL)
	assert.True(t, strings.HasSuffix(rec.AudioURL, ".wav"))

	w = e.do(httptest.NewRequest(http.MethodGet, rec.AudioURL, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RIFFdata", w.Body.String())

	w = e.do(httptest.NewRequest(http.MethodGet, "/audio/missing.mp3", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(httptest.NewRequest(http.MethodGet, "/audio/.hidden", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_Rejections(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name     string
		provider string
		body     string
		want     int
	}{
		{"unknown provider", "twilio", callPayload("c", ""), http.StatusNotFound},
		{"provider without directory", "retell", callPayload("c", ""), http.StatusNotFound},
		{"invalid json", "vapi", `{"call":`, http.StatusBadRequest},
		{"missing keys", "vapi", `{"message":{"type":"status-update"}}`, http.StatusBadRequest},
		{"unknown assistant", "vapi", `{"call":{"id":"c2","assistantId":"nope"}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.webhook(tt.provider, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			out := decode(t, w)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
	assert.Zero(t, e.store.CallCount())
}

func TestWebhook_UnresolvedNamesTheEntity(t *testing.T) {
	e := newEnv(t)
	w := e.webhook("vapi", `{"call":{"id":"c2","assistantId":"nope"}}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode(t, w)["error"], "assistant nope")
}

func TestWebhook_SharedSecret(t *testing.T) {
	e := newEnv(t, func(h *Handlers) {
		h.WebhookSecrets = map[records.Provider]string{records.ProviderVapi: "s3cret"}
	})
	body := callPayload("call-1", "")

	assert.Equal(t, http.StatusUnauthorized, e.webhook("vapi", body).Code)
	assert.Equal(t, http.StatusUnauthorized, e.webhook("vapi", body, "X-Webhook-Secret", "wrong").Code)
	assert.Equal(t, http.StatusCreated, e.webhook("vapi", body, "X-Vapi-Secret", "s3cret").Code)
	assert.Equal(t, http.StatusOK, e.webhook("vapi", body, "X-Webhook-Secret", "s3cret").Code)
}

func TestWebhook_BodyLimit(t *testing.T) {
	e := newEnv(t, func(h *Handlers) { h.MaxBodyBytes = 32 })
	w := e.webhook("vapi", callPayload("call-1", ""))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAdmin_RequiresOperator(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusUnauthorized, e.admin(t, http.MethodPost, "/admin/sync/assistants", "").Code)
	assert.Equal(t, http.StatusForbidden, e.admin(t, http.MethodPost, "/admin/sync/assistants", "viewer").Code)
	assert.Equal(t, http.StatusOK, e.admin(t, http.MethodGet, "/admin/sync-status", "viewer").Code)
}

func TestSyncAssistants(t *testing.T) {
	e := newEnv(t)

	w := e.admin(t, http.MethodPost, "/admin/sync/assistants", "operator")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 2, out["syncCount"])

	rec, err := e.store.FindAssistant(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "Front desk", rec.Name)
	assert.Equal(t, "c1", rec.ClientID)

	w = e.admin(t, http.MethodPost, "/admin/sync/assistants?provider=vapi", "admin")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusBadRequest, e.admin(t, http.MethodPost, "/admin/sync/assistants?provider=twilio", "admin").Code)
	assert.Equal(t, http.StatusBadRequest, e.admin(t, http.MethodPost, "/admin/sync/assistants?provider=retell", "admin").Code)
}

func TestSyncAssistants_FailureIs500(t *testing.T) {
	e := newEnv(t)
	e.dir.err = &providers.HTTPError{Provider: records.ProviderVapi, StatusCode: http.StatusUnauthorized}

	w := e.admin(t, http.MethodPost, "/admin/sync/assistants", "operator")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])

	runs := e.runs.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, syncrun.StatusFailed, runs[0].Status)
}

func TestSyncAssistants_OverlapIs409(t *testing.T) {
	e := newEnv(t)
	e.dir.started = make(chan struct{}, 1)
	e.dir.block = make(chan struct{})

	done := make(chan int, 1)
	token := e.token(t, "operator")
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/admin/sync/assistants", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		done <- e.do(req).Code
	}()
	<-e.dir.started

	w := e.admin(t, http.MethodPost, "/admin/sync/assistants?provider=vapi", "operator")
	assert.Equal(t, http.StatusConflict, w.Code)

	close(e.dir.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestSyncAssistants_BusyProviderDoesNotMaskOthers(t *testing.T) {
	ctx := context.Background()
	locker := reconcile.NewLocalLocker()
	release, ok, err := locker.TryLock(ctx, "sync:vapi:full", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	runs := syncrun.NewMemoryRepo()
	e := newEnv(t, func(h *Handlers) {
		retell := &fakeDirectory{provider: records.ProviderRetell, items: []records.AssistantPatch{{ExternalID: "r1"}}}
		vapi := &fakeDirectory{provider: records.ProviderVapi, items: []records.AssistantPatch{{ExternalID: "v1"}}}
		h.Sync = reconcile.New(records.NewMemoryStore(), syncrun.NewService(runs), []providers.Directory{vapi, retell}, reconcile.Options{Locker: locker})
	})

	w := e.admin(t, http.MethodPost, "/admin/sync/assistants", "operator")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.EqualValues(t, 1, out["syncCount"])
	assert.Equal(t, []any{
		map[string]any{"provider": "retell", "items": float64(1)},
		map[string]any{"provider": "vapi", "items": float64(0), "skipped": true},
	}, out["providers"])
	assert.Len(t, runs.Runs(), 1)

	busy, ok, err := locker.TryLock(ctx, "sync:retell:full", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer busy()
	assert.Equal(t, http.StatusConflict, e.admin(t, http.MethodPost, "/admin/sync/assistants", "operator").Code)
}

func TestSyncAssistant(t *testing.T) {
	e := newEnv(t)

	w := e.admin(t, http.MethodPost, "/admin/sync/assistants/a2", "operator")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["success"])
	assert.Contains(t, out["message"], "a2")

	w = e.admin(t, http.MethodPost, "/admin/sync/assistants/ghost", "operator")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncStatus(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.admin(t, http.MethodPost, "/admin/sync/assistants", "operator").Code)
	require.Equal(t, http.StatusOK, e.admin(t, http.MethodPost, "/admin/sync/assistants/a1", "operator").Code)

	w := e.admin(t, http.MethodGet, "/admin/sync-status?limit=1", "viewer")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Len(t, out["runs"], 1)
	pagination := out["pagination"].(map[string]any)
	assert.EqualValues(t, 2, pagination["total"])
	assert.EqualValues(t, 1, pagination["page"])

	w = e.admin(t, http.MethodGet, "/admin/sync-status?type=single", "viewer")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"], 1)

	w = e.admin(t, http.MethodGet, "/admin/sync-status/summary", "viewer")
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode(t, w)["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["success"])
	assert.EqualValues(t, 0, summary["failed"])
	assert.NotNil(t, summary["latest"])

	assert.Equal(t, http.StatusBadRequest, e.admin(t, http.MethodGet, "/admin/sync-status?type=weekly", "viewer").Code)
	assert.Equal(t, http.StatusBadRequest, e.admin(t, http.MethodGet, "/admin/sync-status?page=x", "viewer").Code)
}

func TestSyncStatus_EmptyHistory(t *testing.T) {
	e := newEnv(t)
	w := e.admin(t, http.MethodGet, "/admin/sync-status", "viewer")
	require.Equal(t, http.StatusOK, w.Code)
	runs, ok := decode(t, w)["runs"].([]any)
	require.True(t, ok)
	assert.Empty(t, runs)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	e = newEnv(t, func(h *Handlers) { h.DB = db })
	assert.Equal(t, http.StatusServiceUnavailable, e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}
