package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/botfleet/config"
	"github.com/talkincode/botfleet/internal/app"
	"github.com/talkincode/botfleet/internal/assistant"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/store/storetest"
	"github.com/talkincode/botfleet/internal/supervisor/supervisortest"
	"github.com/talkincode/botfleet/internal/webserver"
	"github.com/talkincode/botfleet/pkg/common"
)

type fakeGenerator struct {
	mu      sync.Mutex
	threads int
	reply   string
}

func (f *fakeGenerator) CreateThread(context.Context, assistant.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return "thread_" + strconv.Itoa(f.threads), nil
}

func (f *fakeGenerator) ThreadExists(context.Context, assistant.Credentials, string) (bool, error) {
	return true, nil
}

func (f *fakeGenerator) Generate(context.Context, assistant.Credentials, string, string) (string, error) {
	return f.reply, nil
}

type harness struct {
	app     *app.Application
	handler http.Handler
	token   string
}

func newHarness(t *testing.T, tweak func(cfg *config.AppConfig)) *harness {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.System.Workdir = t.TempDir()
	cfg.Web.Secret = "test-secret"
	cfg.Worker.SpawnSettle = 0
	cfg.Monitor.Enabled = false
	if tweak != nil {
		tweak(cfg)
	}

	a := app.NewApplication(cfg)
	a.OverrideDB(storetest.NewDB(t))
	a.SetLauncher(supervisortest.NewLauncher())
	a.SetGenerator(&fakeGenerator{reply: "¡Hola! Con gusto te ayudo."})
	require.NoError(t, a.InitServices())
	t.Cleanup(a.Release)

	Init()
	h := &harness{app: a, handler: webserver.NewServer(a).Handler()}
	h.token, _, _ = webserver.IssueToken(cfg.Web.Secret, "admin", "super", 0)
	return h
}

func (h *harness) do(method, path string, body interface{}, auth bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) newTenant(t *testing.T, status string) *domain.Tenant {
	t.Helper()
	tenant := &domain.Tenant{
		ID:          common.UUIDint64(),
		Name:        "Taquería Don Beto",
		Email:       "beto@example.com",
		OpenAIKey:   "sk-proj-1234567890abcdef",
		AssistantID: "asst_beto",
		Status:      status,
		UniqueURL:   common.ShortToken(),
	}
	require.NoError(t, h.app.Store().Tenants.Create(context.Background(), tenant))
	return tenant
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func idPath(format string, id int64) string {
	return strings.Replace(format, ":id", strconv.FormatInt(id, 10), 1)
}

func TestLogin(t *testing.T) {
	h := newHarness(t, nil)
	hash, err := app.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, h.app.DB().Create(&domain.SysOpr{
		ID:       common.UUIDint64(),
		Username: "ops",
		Password: hash,
		Level:    "super",
		Status:   common.ENABLED,
	}).Error)

	rec := h.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "ops", "password": "nope"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "ops", "password": "s3cret"}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Token    string `json:"token"`
			Username string `json:"username"`
		} `json:"data"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "ops", resp.Data.Username)

	claims, err := webserver.ParseToken("test-secret", resp.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "super", claims.Level)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/v1/tenants", nil, false).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/tenants", nil, true).Code)
}

func TestCreateAndListTenants(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/tenants", map[string]interface{}{
		"name":           "Florería Rosa",
		"email":          "rosa@example.com",
		"openai_api_key": "sk-proj-abcdefghijklmnop",
		"assistant_id":   "asst_rosa",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/v1/tenants", map[string]interface{}{"name": "incomplete"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/tenants?status=pending", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []map[string]interface{} `json:"data"`
		Meta Meta                     `json:"meta"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(1), resp.Meta.Total)
	assert.Equal(t, "Florería Rosa", resp.Data[0]["name"])
	assert.NotEqual(t, "sk-proj-abcdefghijklmnop", resp.Data[0]["openai_api_key"])
	assert.NotEmpty(t, resp.Data[0]["unique_url"])
}

func TestToggleTenant(t *testing.T) {
	h := newHarness(t, nil)
	tenant := h.newTenant(t, domain.TenantStatusPending)

	rec := h.do(http.MethodPost, idPath("/api/v1/tenants/:id/toggle", tenant.ID), map[string]string{"action": "connect"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.app.Supervisor().Status(tenant.ID).Running)

	rec = h.do(http.MethodPost, idPath("/api/v1/tenants/:id/toggle", tenant.ID), map[string]string{"action": "disconnect"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := h.app.Store().Tenants.Get(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TenantStatusInactive, got.Status)

	rec = h.do(http.MethodPost, idPath("/api/v1/tenants/:id/toggle", tenant.ID), map[string]string{"action": "reboot"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/tenants/42/toggle", map[string]string{"action": "connect"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerInboundReturnsReply(t *testing.T) {
	h := newHarness(t, nil)
	tenant := h.newTenant(t, domain.TenantStatusActive)

	// legacy field names and a unix timestamp
	rec := h.do(http.MethodPost, idPath("/api/clients/:id/process-message", tenant.ID), map[string]interface{}{
		"phone_number": "5215511112222@s.whatsapp.net",
		"message":      "¿Tienen tacos al pastor?",
		"message_id":   "ABCD",
		"timestamp":    1700000000,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp replyResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.Reply)
	assert.Equal(t, "¡Hola! Con gusto te ayudo.", *resp.Reply)

	msgs, err := h.app.Store().Messages.Recent(context.Background(), tenant.ID, "5215511112222", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	rec = h.do(http.MethodGet, idPath("/api/v1/tenants/:id/messages/export", tenant.ID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Body.String(), "counterparty")
	assert.Contains(t, rec.Body.String(), "tacos al pastor")
}

func TestWorkerInboundWhilePaused(t *testing.T) {
	h := newHarness(t, nil)
	tenant := h.newTenant(t, domain.TenantStatusActive)
	_, err := h.app.Pauses().PauseAll(context.Background(), tenant.ID)
	require.NoError(t, err)

	rec := h.do(http.MethodPost, idPath("/api/worker/:id/inbound", tenant.ID), map[string]interface{}{
		"counterpartyId": "5215533334444",
		"text":           "hola",
		"timestamp":      "2024-03-01 10:15:00",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp replyResponse
	decode(t, rec, &resp)
	assert.Nil(t, resp.Reply)
	assert.Equal(t, "paused", resp.Outcome)

	rec = h.do(http.MethodDelete, idPath("/api/v1/tenants/:id/pauses", tenant.ID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err := h.app.Pauses().IsPaused(context.Background(), tenant.ID, "5215533334444")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestWorkerInboundUnknownTenant(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/worker/77/inbound", map[string]string{"counterpartyId": "1", "text": "hi"}, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerCallbacksRequireToken(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig) { cfg.Worker.CallbackToken = "cb-token" })
	tenant := h.newTenant(t, domain.TenantStatusActive)

	rec := h.do(http.MethodPost, idPath("/api/worker/:id/inbound", tenant.ID), map[string]string{"counterpartyId": "1", "text": "hi"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, idPath("/api/worker/:id/connected", tenant.ID),
		strings.NewReader(`{"boundIdentity":"5215599990000:7@s.whatsapp.net"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webserver.HeaderWorkerToken, "cb-token")
	out := httptest.NewRecorder()
	h.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestWorkerConnectedBindsOwner(t *testing.T) {
	h := newHarness(t, nil)
	tenant := h.newTenant(t, domain.TenantStatusPending)

	rec := h.do(http.MethodPost, idPath("/api/worker/:id/connected", tenant.ID), map[string]string{"phone": "+5215512345678"}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := h.app.Store().Tenants.Get(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "5215512345678", got.ConnectedPhone)
	assert.Equal(t, domain.TenantStatusActive, got.Status)

	rec = h.do(http.MethodGet, "/api/client/"+tenant.UniqueURL+"/qr", nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, idPath("/api/worker/:id/disconnected", tenant.ID), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = h.app.Store().Tenants.Get(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ConnectedPhone)
}

func TestLandingStatus(t *testing.T) {
	h := newHarness(t, nil)
	tenant := h.newTenant(t, domain.TenantStatusPending)

	rec := h.do(http.MethodGet, "/api/client/"+tenant.UniqueURL+"/status", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, "Taquería Don Beto", resp["name"])
	assert.Equal(t, false, resp["connected"])

	rec = h.do(http.MethodGet, "/api/client/"+tenant.UniqueURL+"/qr", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(http.MethodGet, "/api/client/unknown1/status", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func fakeSharedWorker(t *testing.T) int {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pairing-code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"data:image/png;base64,AAAA","rawCode":"2@abcdef,ghijk,lmnop"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestLandingPairingImageOnSharedWorker(t *testing.T) {
	port := fakeSharedWorker(t)
	h := newHarness(t, func(cfg *config.AppConfig) {
		cfg.Worker.Mode = config.WorkerModeConsolidated
		cfg.Worker.Host = "127.0.0.1"
		cfg.Worker.SharedPort = port
	})
	tenant := h.newTenant(t, domain.TenantStatusActive)

	rec := h.do(http.MethodGet, "/api/client/"+tenant.UniqueURL+"/qr", nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "2@abcdef,ghijk,lmnop", resp["raw_code"])

	rec = h.do(http.MethodGet, "/api/client/"+tenant.UniqueURL+"/qr.png", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestConsolidatedRouting(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig) { cfg.Worker.Mode = config.WorkerModeConsolidated })
	ctx := context.Background()

	tenant := &domain.Tenant{
		Name:        "Ferretería Sol",
		Email:       "sol@example.com",
		OpenAIKey:   "sk-sol",
		AssistantID: "asst_sol",
	}
	require.NoError(t, h.app.CreateTenant(ctx, tenant, true))

	inbound := map[string]string{"counterpartyId": "5215577778888", "text": "¿Abren el domingo?"}
	rec := h.do(http.MethodPost, "/api/consolidated/inbound", inbound, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/consolidated/associate", map[string]string{
		"phone":     "5215577778888",
		"tenant_id": strconv.FormatInt(tenant.ID, 10),
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/consolidated/inbound", inbound, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp replyResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.Reply)

	rec = h.do(http.MethodGet, "/api/v1/consolidated/status", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "5215577778888")

	rec = h.do(http.MethodPost, idPath("/api/v1/consolidated/tenants/:id/unregister", tenant.ID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.app.Consolidated().Tenants())
}

func TestForceSweep(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/retention/sweep", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var count int64
	h.app.DB().Model(&domain.SysOprLog{}).Where("opt_action = ?", "retention.sweep").Count(&count)
	assert.Equal(t, int64(1), count)
}
