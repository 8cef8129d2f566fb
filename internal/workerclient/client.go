// Package workerclient speaks the http control contract every tenant worker exposes.
package workerclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
)

// ErrUnreachable wraps transport failures and non 2xx answers.
var ErrUnreachable = errors.New("worker unreachable")

// Status is the answer of GET /status. Older workers report hasQR and user.
type Status struct {
	Connected      bool   `json:"connected"`
	HasPairingCode bool   `json:"hasPairingCode"`
	BoundIdentity  string `json:"boundIdentity"`
	HasQR          bool   `json:"hasQR,omitempty"`
	User           string `json:"user,omitempty"`
}

func (s *Status) normalize() {
	if s.HasQR {
		s.HasPairingCode = true
	}
	if s.BoundIdentity == "" {
		s.BoundIdentity = s.User
	}
}

// PairingCode is the answer of GET /pairing-code.
type PairingCode struct {
	Code    string `json:"code"`
	RawCode string `json:"rawCode"`
	QR      string `json:"qr,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

type Client struct {
	host    string
	timeout time.Duration
}

// New returns a client for workers listening on host. timeout bounds every call
// on top of the caller's context.
func New(host string, timeout time.Duration) *Client {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{host: host, timeout: timeout}
}

func (c *Client) url(port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.host, port, path)
}

func (c *Client) get(ctx context.Context, port int, path string, out interface{}) error {
	var code int
	flow := gout.GET(c.url(port, path)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		Code(&code)
	if out != nil {
		flow = flow.BindJSON(out)
	}
	if err := flow.Do(); err != nil {
		return errors.Wrapf(ErrUnreachable, "GET %s on port %d: %v", path, port, err)
	}
	if code < http.StatusOK || code >= http.StatusMultipleChoices {
		return errors.Wrapf(ErrUnreachable, "GET %s on port %d: status %d", path, port, code)
	}
	return nil
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context, port int) error {
	return c.get(ctx, port, "/health", nil)
}

func (c *Client) Status(ctx context.Context, port int) (Status, error) {
	var st Status
	if err := c.get(ctx, port, "/status", &st); err != nil {
		return Status{}, err
	}
	st.normalize()
	return st, nil
}

func (c *Client) PairingCode(ctx context.Context, port int) (PairingCode, error) {
	var pc PairingCode
	if err := c.get(ctx, port, "/pairing-code", &pc); err != nil {
		return PairingCode{}, err
	}
	if pc.Code == "" {
		pc.Code = pc.QR
	}
	if pc.RawCode == "" {
		pc.RawCode = pc.Raw
	}
	return pc, nil
}

func (c *Client) Logout(ctx context.Context, port int) error {
	return c.get(ctx, port, "/logout", nil)
}

// ForceRestart asks a live worker to drop and rebuild its messaging session.
func (c *Client) ForceRestart(ctx context.Context, port int) error {
	return c.get(ctx, port, "/force-restart", nil)
}

// Send delivers text through the worker, used for proactive messages.
func (c *Client) Send(ctx context.Context, port int, to, text string) error {
	var code int
	err := gout.POST(c.url(port, "/send")).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetJSON(gout.H{"to": to, "text": text}).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "POST /send on port %d: %v", port, err)
	}
	if code != http.StatusOK {
		return errors.Wrapf(ErrUnreachable, "POST /send on port %d: status %d", port, code)
	}
	return nil
}
