package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

func TestLoadConfigMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{
  "tenant_id": "7001",
  "name": "Cafetería Aroma",
  "port": 3004,
  "callback_url": "http://127.0.0.1:8001/",
  "callback_token": "from-file"
}`), 0o600))
	t.Setenv("WORKER_DIR", dir)
	t.Setenv("BOTFLEET_CALLBACK_TOKEN", "from-env")
	t.Setenv("WORKER_CALLBACK_TIMEOUT", "15s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, int64(7001), cfg.TenantID)
	assert.Equal(t, 3004, cfg.Port)
	assert.Equal(t, "http://127.0.0.1:8001", cfg.CallbackURL)
	assert.Equal(t, "from-env", cfg.CallbackToken)
	assert.Equal(t, 15*time.Second, cfg.CallbackTimeout)
	assert.Contains(t, cfg.DeviceDSN(), filepath.Join(dir, "session.db"))
}

func TestLoadConfigRequiresPort(t *testing.T) {
	t.Setenv("WORKER_DIR", t.TempDir())
	t.Setenv("FASTAPI_URL", "http://127.0.0.1:8001")
	t.Setenv("CLIENT_ID", "1")
	_, err := LoadConfig("")
	assert.Error(t, err)

	t.Setenv("CLIENT_PORT", "3001")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3001, cfg.Port)
}

type recordedCall struct {
	Path  string
	Token string
	Body  map[string]interface{}
}

func callbackServer(t *testing.T, reply string) (*httptest.Server, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, recordedCall{Path: r.URL.Path, Token: r.Header.Get(TokenHeader), Body: body})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "inbound") && reply != "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"reply": reply})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"reply": nil})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func TestDedicatedCallbacks(t *testing.T) {
	srv, calls := callbackServer(t, "¡Claro que sí!")
	cb := NewCallbacks(&Config{TenantID: 42, CallbackURL: srv.URL, CallbackToken: "tok", CallbackTimeout: 5 * time.Second})
	ctx := context.Background()

	reply, err := cb.Inbound(ctx, Inbound{CounterpartyID: "5215511112222", Text: "¿Hay envío?", MessageID: "M1", Timestamp: 1700000000})
	require.NoError(t, err)
	assert.Equal(t, "¡Claro que sí!", reply)
	require.NoError(t, cb.Connected(ctx, "5215599990000"))
	require.NoError(t, cb.Disconnected(ctx))

	got := calls()
	require.Len(t, got, 3)
	assert.Equal(t, "/api/worker/42/inbound", got[0].Path)
	assert.Equal(t, "tok", got[0].Token)
	assert.Equal(t, "¿Hay envío?", got[0].Body["text"])
	assert.Equal(t, "/api/worker/42/connected", got[1].Path)
	assert.Equal(t, "5215599990000", got[1].Body["boundIdentity"])
	assert.Equal(t, "/api/worker/42/disconnected", got[2].Path)
}

func TestSharedCallbacks(t *testing.T) {
	srv, calls := callbackServer(t, "")
	cb := NewCallbacks(&Config{Shared: true, CallbackURL: srv.URL, CallbackTimeout: 5 * time.Second})
	ctx := context.Background()

	reply, err := cb.Inbound(ctx, Inbound{CounterpartyID: "5215511112222", Text: "hola"})
	require.NoError(t, err)
	assert.Empty(t, reply)
	require.NoError(t, cb.Connected(ctx, "5215599990000"))
	require.NoError(t, cb.Disconnected(ctx))

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "/api/consolidated/inbound", got[0].Path)
	assert.Equal(t, "/api/consolidated/phone-connected", got[1].Path)
}

func TestCallbackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	cb := NewCallbacks(&Config{TenantID: 1, CallbackURL: srv.URL, CallbackTimeout: 5 * time.Second})
	_, err := cb.Inbound(context.Background(), Inbound{CounterpartyID: "1", Text: "x"})
	assert.ErrorIs(t, err, ErrCallback)
}

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	identity  string
	code      string
	sent      []string
	logouts   int
	restarts  int
}

func (f *fakeSession) Connected() bool     { return f.connected }
func (f *fakeSession) Identity() string    { return f.identity }
func (f *fakeSession) PairingCode() string { return f.code }

func (f *fakeSession) Send(_ context.Context, to, text string) error {
	if !f.connected {
		return ErrNotConnected
	}
	f.mu.Lock()
	f.sent = append(f.sent, to+":"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Logout(context.Context) error {
	f.logouts++
	return nil
}

func (f *fakeSession) Restart(context.Context) error {
	f.restarts++
	return nil
}

func get(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestControlServerPairing(t *testing.T) {
	session := &fakeSession{}
	h := NewServer(&Config{TenantID: 9, Port: 3001}, session).Handler()

	assert.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/pairing-code", nil).Code)

	session.code = "2@abc,def,ghi"
	rec := get(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, false, st["connected"])
	assert.Equal(t, true, st["hasPairingCode"])

	rec = get(t, h, http.MethodGet, "/pairing-code", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pc map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pc))
	assert.Equal(t, "2@abc,def,ghi", pc["rawCode"])
	assert.True(t, strings.HasPrefix(pc["code"], "data:image/png;base64,"))

	rec = get(t, h, http.MethodGet, "/pairing-code.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestControlServerSendAndRestart(t *testing.T) {
	session := &fakeSession{}
	h := NewServer(&Config{TenantID: 9, Port: 3001}, session).Handler()

	body := []byte(`{"to":"5215511112222","text":"Su pedido está listo"}`)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, http.MethodPost, "/send", body).Code)

	session.connected = true
	session.identity = "5215599990000"
	assert.Equal(t, http.StatusOK, get(t, h, http.MethodPost, "/send", body).Code)
	assert.Equal(t, []string{"5215511112222:Su pedido está listo"}, session.sent)
	assert.Equal(t, http.StatusBadRequest, get(t, h, http.MethodPost, "/send", []byte(`{"to":""}`)).Code)

	assert.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/force-restart", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/logout", nil).Code)
	assert.Equal(t, 1, session.restarts)
	assert.Equal(t, 1, session.logouts)
}

func TestParseRecipient(t *testing.T) {
	jid, err := parseRecipient("+5215511112222")
	require.NoError(t, err)
	assert.Equal(t, "5215511112222@s.whatsapp.net", jid.String())

	jid, err = parseRecipient("120363000000000000@g.us")
	require.NoError(t, err)
	assert.Equal(t, "g.us", jid.Server)

	_, err = parseRecipient(" ")
	assert.Error(t, err)
}

func TestInboundForFiltersMessages(t *testing.T) {
	customer := types.NewJID("5215511112222", types.DefaultUserServer)
	self := "5215599998888"
	ts := time.Unix(1700000000, 0)
	msg := func(chat types.JID, fromMe, group bool) types.MessageInfo {
		return types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, IsFromMe: fromMe, IsGroup: group},
			ID:            "3EB0C0FFEE",
			Timestamp:     ts,
		}
	}

	in, to, ok := inboundFor(msg(customer, false, false), "  hola  ", self)
	require.True(t, ok)
	assert.Equal(t, "5215511112222", in.CounterpartyID)
	assert.Equal(t, "hola", in.Text)
	assert.Equal(t, "3EB0C0FFEE", in.MessageID)
	assert.Equal(t, int64(1700000000), in.Timestamp)
	assert.Equal(t, customer, to)

	_, _, ok = inboundFor(msg(customer, true, false), "ya voy para allá", self)
	assert.False(t, ok, "own chatter is not forwarded")

	_, _, ok = inboundFor(msg(types.NewJID("12036300000", types.GroupServer), false, true), "hola", self)
	assert.False(t, ok)
	_, _, ok = inboundFor(msg(types.NewJID("status", types.BroadcastServer), false, false), "hola", self)
	assert.False(t, ok)
	_, _, ok = inboundFor(msg(customer, false, false), "   ", self)
	assert.False(t, ok)
}

func TestInboundForForwardsOwnerCommands(t *testing.T) {
	customer := types.NewJID("5215511112222", types.DefaultUserServer)
	self := "5215599998888"
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: customer, IsFromMe: true},
		ID:            "3EB0BEEF",
		Timestamp:     time.Unix(1700000100, 0),
	}

	for _, text := range []string{"pausar", "Pausar Todo", "ESTADO", "reactivar", "activar todo"} {
		in, to, ok := inboundFor(info, text, self)
		require.True(t, ok, text)
		assert.Equal(t, self, in.CounterpartyID, text)
		assert.Equal(t, types.NewJID(self, types.DefaultUserServer), to, text)
	}

	_, _, ok := inboundFor(info, "pausar", "")
	assert.False(t, ok, "unpaired session has no owner identity")
}
