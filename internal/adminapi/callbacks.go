package adminapi

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/botfleet/internal/router"
	"github.com/talkincode/botfleet/internal/webserver"
	"go.uber.org/zap"
)

func registerCallbackRoutes() {
	webserver.WorkerPOST("/worker/:id/inbound", workerInbound)
	webserver.WorkerPOST("/clients/:id/process-message", workerInbound)
	webserver.WorkerPOST("/worker/:id/connected", workerConnected)
	webserver.WorkerPOST("/worker/:id/disconnected", workerDisconnected)
	webserver.WorkerPOST("/consolidated/inbound", consolidatedInbound)
	webserver.WorkerPOST("/consolidated/phone-connected", consolidatedPhoneConnected)
}

// callbackPayload accepts both the current worker field names and the
// names sent by older workers.
type callbackPayload struct {
	CounterpartyID string    `mapstructure:"counterpartyId"`
	PhoneNumber    string    `mapstructure:"phone_number"`
	Text           string    `mapstructure:"text"`
	Message        string    `mapstructure:"message"`
	MessageID      string    `mapstructure:"messageId"`
	LegacyID       string    `mapstructure:"message_id"`
	Timestamp      time.Time `mapstructure:"timestamp"`
	BoundIdentity  string    `mapstructure:"boundIdentity"`
	Phone          string    `mapstructure:"phone"`
	TenantID       int64     `mapstructure:"tenantId"`
	ClientID       int64     `mapstructure:"client_id"`
}

func (p *callbackPayload) counterparty() string {
	return firstNonEmpty(p.CounterpartyID, p.PhoneNumber, p.Phone)
}

func (p *callbackPayload) text() string {
	return firstNonEmpty(p.Text, p.Message)
}

func (p *callbackPayload) messageID() string {
	return firstNonEmpty(p.MessageID, p.LegacyID)
}

func (p *callbackPayload) identity() string {
	return firstNonEmpty(p.BoundIdentity, p.Phone, p.PhoneNumber)
}

func (p *callbackPayload) tenantID() int64 {
	if p.TenantID != 0 {
		return p.TenantID
	}
	return p.ClientID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// timestampHook turns unix seconds, unix milliseconds and loosely formatted
// date strings into time.Time.
func timestampHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return time.Time{}, nil
		}
		return dateparse.ParseAny(s)
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int32, reflect.Int64:
		n := cast.ToInt64(data)
		if n <= 0 {
			return time.Time{}, nil
		}
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	return data, nil
}

func bindPayload(c echo.Context) (*callbackPayload, error) {
	raw := map[string]interface{}{}
	if err := (&echo.DefaultBinder{}).BindBody(c, &raw); err != nil {
		return nil, err
	}
	var p callbackPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       timestampHook,
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decode callback payload")
	}
	return &p, nil
}

type replyResponse struct {
	Reply   *string `json:"reply"`
	Outcome string  `json:"outcome"`
}

func replyOf(res router.Result) replyResponse {
	resp := replyResponse{Outcome: res.Outcome.String()}
	if res.HasReply() {
		reply := res.Reply
		resp.Reply = &reply
	}
	return resp
}

func workerInbound(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	p, err := bindPayload(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	res, err := GetAppContext(c).Router().HandleInbound(c.Request().Context(), router.Inbound{
		TenantID:     id,
		Counterparty: p.counterparty(),
		Text:         p.text(),
		MessageID:    p.messageID(),
		Timestamp:    p.Timestamp,
	})
	if err != nil {
		if errors.Is(err, router.ErrUnknownTenant) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "Tenant not found", nil)
		}
		zap.L().Error("callback: inbound failed", zap.Int64("tenant_id", id), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process message", err.Error())
	}
	return c.JSON(http.StatusOK, replyOf(res))
}

func workerConnected(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	p, err := bindPayload(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	t, err := GetAppContext(c).BindOwner(c.Request().Context(), id, p.identity())
	if err != nil {
		return failErr(c, err, "Failed to record paired identity")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":        true,
		"status":         t.Status,
		"bound_identity": t.ConnectedPhone,
	})
}

func workerDisconnected(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	if err := GetAppContext(c).ClearOwner(c.Request().Context(), id); err != nil {
		return failErr(c, err, "Failed to clear paired identity")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func consolidatedInbound(c echo.Context) error {
	p, err := bindPayload(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	res, err := GetAppContext(c).Consolidated().Route(c.Request().Context(),
		p.counterparty(), p.text(), p.messageID(), p.Timestamp)
	if err != nil {
		return failRouting(c, err, "Message could not be routed")
	}
	return c.JSON(http.StatusOK, replyOf(res))
}

func consolidatedPhoneConnected(c echo.Context) error {
	p, err := bindPayload(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	t, err := GetAppContext(c).Consolidated().PhoneConnected(c.Request().Context(), p.identity(), p.tenantID())
	if err != nil {
		return failRouting(c, err, "Paired phone could not be bound")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"tenant_id": t.ID,
		"phone":     t.ConnectedPhone,
	})
}
