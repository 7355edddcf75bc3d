package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchat-hq/keyrelay/internal/audit"
	"github.com/openchat-hq/keyrelay/internal/config"
	"github.com/openchat-hq/keyrelay/internal/dispatch"
	"github.com/openchat-hq/keyrelay/internal/keypool"
	"github.com/openchat-hq/keyrelay/internal/secret"
	"github.com/openchat-hq/keyrelay/internal/stats"
	"github.com/openchat-hq/keyrelay/internal/store"
	relayerrors "github.com/openchat-hq/keyrelay/pkg/errors"
	"github.com/openchat-hq/keyrelay/pkg/types"
)

const adminToken = "test-admin-token"

const validSecret = "sk-or-v1-" +
	"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// scriptedDispatcher replays a fixed event sequence into the sink.
type scriptedDispatcher struct {
	events []types.Event
	err    error
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, _ *types.ChatRequest, sink dispatch.Sink) error {
	for _, ev := range d.events {
		if err := sink.Send(ev); err != nil {
			return relayerrors.NewStreamInterrupted("sink closed")
		}
	}
	return d.err
}

type fixture struct {
	handler *Handler
	mux     *http.ServeMux
	pool    *keypool.Manager
	stats   *stats.Recorder
	engine  *scriptedDispatcher
}

func newFixture(t *testing.T, cfgYAML string) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfgMgr, err := config.NewManager(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfgMgr.Close() })

	mem := store.NewMemory()
	cipher, err := secret.NewCipher("test-passphrase")
	require.NoError(t, err)

	pool := keypool.New(mem, cipher, logger)
	recorder := stats.NewRecorder(mem, logger)
	auditLog := audit.New(mem, logger)
	engine := &scriptedDispatcher{}

	h := NewHandler(engine, pool, recorder, auditLog, mem, cfgMgr, logger)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux, NewRateLimiter(
		cfgMgr.Get().RateLimit.RequestsPerMinute,
		cfgMgr.Get().RateLimit.BurstSize,
		logger,
	))

	return &fixture{handler: h, mux: mux, pool: pool, stats: recorder, engine: engine}
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, `
store:
  backend: memory
secret:
  encryption_key: test-passphrase
admin:
  token: `+adminToken+`
`)
}

func (f *fixture) do(method, target, body string, authorized bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestChatStreamsEvents(t *testing.T) {
	f := defaultFixture(t)
	f.engine.events = []types.Event{
		{Type: types.EventReasoning, Data: "thinking"},
		{Type: types.EventContent, Data: "Hello"},
	}

	rec := f.do(http.MethodPost, "/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`, false)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"type":"reasoning","data":"thinking"}`+"\n\n")
	assert.Contains(t, body, `data: {"type":"content","data":"Hello"}`+"\n\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestChatErrorBeforeStreamIsJSON(t *testing.T) {
	f := defaultFixture(t)
	f.engine.err = relayerrors.NewPoolExhausted()

	rec := f.do(http.MethodPost, "/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`, false)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, relayerrors.TypePoolExhausted, resp.Error.Type)
	assert.NotContains(t, resp.Error.Message, "sk-or-v1")
}

func TestChatErrorAfterStreamStaysSSE(t *testing.T) {
	f := defaultFixture(t)
	f.engine.events = []types.Event{{Type: types.EventContent, Data: "partial"}}
	f.engine.err = relayerrors.NewStreamInterrupted("upstream died")

	rec := f.do(http.MethodPost, "/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`, false)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"data":"partial"`)
	assert.False(t, strings.Contains(body, "[DONE]"), "interrupted streams carry no completion sentinel")
}

func TestChatRejectsMalformedJSON(t *testing.T) {
	f := defaultFixture(t)

	rec := f.do(http.MethodPost, "/v1/chat", `{"messages": [`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelsCatalog(t *testing.T) {
	f := defaultFixture(t)

	rec := f.do(http.MethodGet, "/v1/models", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data)
	assert.Equal(t, "mistralai/mistral-nemo:free", resp.Default)
}

func TestAdminRequiresToken(t *testing.T) {
	f := defaultFixture(t)

	rec := f.do(http.MethodGet, "/admin/keys", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rec = f.do(http.MethodGet, "/admin/keys", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, `
store:
  backend: memory
secret:
  encryption_key: test-passphrase
`)

	rec := f.do(http.MethodGet, "/admin/keys", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeyLifecycle(t *testing.T) {
	f := defaultFixture(t)

	// Add
	rec := f.do(http.MethodPost, "/admin/keys", `{"secret":"`+validSecret+`"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created KeyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)
	assert.NotContains(t, rec.Body.String(), validSecret, "plaintext secret never echoed")

	// List shows the redacted record
	rec = f.do(http.MethodGet, "/admin/keys", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)
	assert.NotContains(t, rec.Body.String(), validSecret)

	// Deactivate then reactivate
	rec = f.do(http.MethodPost, "/admin/keys/"+created.ID+"/deactivate", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/admin/keys/"+created.ID+"/activate", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	// Delete, then delete again
	rec = f.do(http.MethodDelete, "/admin/keys/"+created.ID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/keys/"+created.ID, "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddKeyRejectsBadFormat(t *testing.T) {
	f := defaultFixture(t)

	for _, s := range []string{"", "not-a-key", "sk-or-v1-short", "sk-proj-something"} {
		rec := f.do(http.MethodPost, "/admin/keys", `{"secret":"`+s+`"}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "secret %q", s)
	}
}

func TestUsageReset(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()

	cred, err := f.pool.Add(ctx, validSecret)
	require.NoError(t, err)
	require.NoError(t, f.pool.RecordUsage(ctx, cred.ID))

	rec := f.do(http.MethodPost, "/admin/keys/usage/reset", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	creds, err := f.pool.List(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Zero(t, creds[0].UsageCount)
}

func TestStatsEndpoints(t *testing.T) {
	f := defaultFixture(t)

	f.stats.NotifyCompletion("mistralai/mistral-nemo:free", 120*time.Millisecond)
	f.stats.NotifyCompletion("deepseek/deepseek-r1:free", 80*time.Millisecond)

	rec := f.do(http.MethodGet, "/admin/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 2, snap.TotalMessages)

	rec = f.do(http.MethodGet, "/admin/stats/trend?days=7", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/stats/trend?days=0", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/admin/stats/top-models?limit=1", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/admin/stats/reset", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/stats", "", true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Zero(t, snap.TotalMessages)
}

func TestAuditTrailRecordsAdminActions(t *testing.T) {
	f := defaultFixture(t)

	rec := f.do(http.MethodPost, "/admin/keys", `{"secret":"`+validSecret+`"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created KeyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(http.MethodPost, "/admin/keys/"+created.ID+"/deactivate", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/audit?limit=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []audit.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, audit.ActionKeyDeactivated, resp.Data[0].Action)
	assert.Equal(t, audit.ActionKeyAdded, resp.Data[1].Action)
}

func TestConfigStatus(t *testing.T) {
	f := defaultFixture(t)

	rec := f.do(http.MethodGet, "/admin/config/status", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var status config.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.NotEmpty(t, status.Checksum)
	assert.Equal(t, 1, status.ReloadCount)
}

func TestRateLimitOnChat(t *testing.T) {
	f := newFixture(t, `
store:
  backend: memory
secret:
  encryption_key: test-passphrase
rate_limit:
  enabled: true
  requests_per_minute: 60
  burst_size: 1
`)
	f.engine.events = []types.Event{{Type: types.EventContent, Data: "ok"}}

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	first := f.do(http.MethodPost, "/v1/chat", body, false)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/v1/chat", body, false)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}

func TestNewChatCountsConversations(t *testing.T) {
	f := defaultFixture(t)

	rec := f.do(http.MethodPost, "/v1/chats", "", false)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodGet, "/admin/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap.TotalChats)
}

func TestHealthz(t *testing.T) {
	f := defaultFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
