package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
)

// TokenHeader carries the shared callback secret.
const TokenHeader = "X-Botfleet-Token"

// ErrCallback wraps transport failures and non 2xx answers of the orchestrator.
var ErrCallback = errors.New("callback failed")

// Inbound is one chat message forwarded to the orchestrator.
type Inbound struct {
	CounterpartyID string `json:"counterpartyId"`
	Text           string `json:"text"`
	MessageID      string `json:"messageId"`
	Timestamp      int64  `json:"timestamp"`
}

// Callbacks posts session events to the orchestrator. A shared worker uses
// the consolidated endpoints; a dedicated one posts under its tenant id.
type Callbacks struct {
	base     string
	token    string
	tenantID int64
	shared   bool
	timeout  time.Duration
}

func NewCallbacks(cfg *Config) *Callbacks {
	return &Callbacks{
		base:     cfg.CallbackURL,
		token:    cfg.CallbackToken,
		tenantID: cfg.TenantID,
		shared:   cfg.Shared,
		timeout:  cfg.CallbackTimeout,
	}
}

func (c *Callbacks) path(event string) string {
	if c.shared {
		switch event {
		case "inbound":
			return c.base + "/api/consolidated/inbound"
		case "connected":
			return c.base + "/api/consolidated/phone-connected"
		}
	}
	return fmt.Sprintf("%s/api/worker/%d/%s", c.base, c.tenantID, event)
}

func (c *Callbacks) post(ctx context.Context, event string, body interface{}, out interface{}) error {
	var code int
	flow := gout.POST(c.path(event)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(gout.H{TokenHeader: c.token}).
		SetJSON(body).
		Code(&code)
	if out != nil {
		flow = flow.BindJSON(out)
	}
	if err := flow.Do(); err != nil {
		return errors.Wrapf(ErrCallback, "%s: %v", event, err)
	}
	if code < http.StatusOK || code >= http.StatusMultipleChoices {
		return errors.Wrapf(ErrCallback, "%s: status %d", event, code)
	}
	return nil
}

// Inbound forwards msg and returns the reply to send back. An empty reply
// means the conversation stays silent.
func (c *Callbacks) Inbound(ctx context.Context, msg Inbound) (string, error) {
	var resp struct {
		Reply *string `json:"reply"`
	}
	if err := c.post(ctx, "inbound", msg, &resp); err != nil {
		return "", err
	}
	if resp.Reply == nil {
		return "", nil
	}
	return *resp.Reply, nil
}

// Connected reports the identity of the freshly paired device.
func (c *Callbacks) Connected(ctx context.Context, identity string) error {
	body := gout.H{"boundIdentity": identity, "phone": identity}
	if c.shared && c.tenantID != 0 {
		body["tenantId"] = c.tenantID
	}
	return c.post(ctx, "connected", body, nil)
}

// Disconnected reports that the device was logged out. Shared workers have no
// such callback; the binding stays until an operator changes it.
func (c *Callbacks) Disconnected(ctx context.Context) error {
	if c.shared {
		return nil
	}
	return c.post(ctx, "disconnected", gout.H{}, nil)
}
