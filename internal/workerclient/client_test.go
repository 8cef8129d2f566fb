package workerclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, mux *http.ServeMux) (*Client, int) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return New(host, 2*time.Second), port
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestStatusAcceptsLegacyFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"connected": false, "hasQR": true, "user": "5511"})
	})
	c, port := startWorker(t, mux)

	st, err := c.Status(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, st.HasPairingCode)
	assert.Equal(t, "5511", st.BoundIdentity)
}

func TestPairingCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pairing-code", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"code": "data:image/png;base64,xx", "rawCode": "2@abc"})
	})
	c, port := startWorker(t, mux)

	pc, err := c.PairingCode(context.Background(), port)
	require.NoError(t, err)
	assert.Equal(t, "2@abc", pc.RawCode)
}

func TestHealthFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c, port := startWorker(t, mux)

	err := c.Health(context.Background(), port)
	assert.ErrorIs(t, err, ErrUnreachable)

	// nothing listens on port 1
	err = c.Health(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestForceRestartAndSend(t *testing.T) {
	var restarted bool
	var sent map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/force-restart", func(w http.ResponseWriter, r *http.Request) {
		restarted = true
		writeJSON(w, map[string]bool{"success": true})
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		writeJSON(w, map[string]bool{"success": true})
	})
	c, port := startWorker(t, mux)

	require.NoError(t, c.ForceRestart(context.Background(), port))
	assert.True(t, restarted)
	require.NoError(t, c.Send(context.Background(), port, "5511", "hola"))
	assert.Equal(t, "hola", sent["text"])
}
