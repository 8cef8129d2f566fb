package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/mailer"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/supervisor"
	"github.com/talkincode/botfleet/internal/webserver"
	"github.com/talkincode/botfleet/internal/workerclient"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
)

func registerTenantRoutes() {
	webserver.ApiGET("/tenants", listTenants)
	webserver.ApiPOST("/tenants", createTenant)
	webserver.ApiGET("/tenants/:id", getTenant)
	webserver.ApiDELETE("/tenants/:id", deleteTenant)
	webserver.ApiPOST("/tenants/:id/toggle", toggleTenant)
	webserver.ApiGET("/tenants/:id/status", getTenantStatus)
	webserver.ApiPUT("/tenants/:id/credentials", updateCredentials)
	webserver.ApiPUT("/tenants/:id/email", updateEmail)
	webserver.ApiPOST("/tenants/:id/resend-email", resendEmail)
	webserver.ApiPOST("/tenants/:id/send", sendMessage)
	webserver.ApiPOST("/tenants/:id/logout", logoutTenant)
	webserver.ApiGET("/tenants/:id/pauses", listPauses)
	webserver.ApiDELETE("/tenants/:id/pauses", clearPauses)
	webserver.ApiGET("/tenants/:id/messages", listMessages)
	webserver.ApiGET("/tenants/:id/messages/export", exportMessages)
}

// tenantView is the admin representation of a tenant. The AI key is masked.
type tenantView struct {
	*domain.Tenant
	OpenAIKey  string `json:"openai_api_key"`
	LandingURL string `json:"landing_url"`
}

func viewOf(c echo.Context, t *domain.Tenant) *tenantView {
	return &tenantView{
		Tenant:     t,
		OpenAIKey:  common.MaskSecret(t.OpenAIKey),
		LandingURL: GetAppContext(c).Mailer().LandingURL(t.UniqueURL),
	}
}

type tenantRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	OpenAIKey   string `json:"openai_api_key"`
	AssistantID string `json:"assistant_id"`
	AutoStart   bool   `json:"auto_start"`
}

func listTenants(c echo.Context) error {
	page, pageSize := parsePagination(c)
	filter := store.TenantFilter{
		Query:  strings.TrimSpace(c.QueryParam("q")),
		Status: strings.TrimSpace(c.QueryParam("status")),
	}
	tenants, total, err := GetAppContext(c).Store().Tenants.List(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query tenants", err.Error())
	}
	items := make([]*tenantView, 0, len(tenants))
	for _, t := range tenants {
		items = append(items, viewOf(c, t))
	}
	return paged(c, items, total, page, pageSize)
}

func createTenant(c echo.Context) error {
	var req tenantRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	t := &domain.Tenant{
		Name:        req.Name,
		Email:       req.Email,
		OpenAIKey:   strings.TrimSpace(req.OpenAIKey),
		AssistantID: strings.TrimSpace(req.AssistantID),
	}
	if err := GetAppContext(c).CreateTenant(c.Request().Context(), t, req.AutoStart); err != nil {
		if t.ID != 0 {
			// stored, but the worker did not start
			audit(c, "tenant.create", fmt.Sprintf("created tenant %d (%s), auto start failed", t.ID, t.Name))
		}
		return failErr(c, err, "Failed to create tenant")
	}
	audit(c, "tenant.create", fmt.Sprintf("created tenant %d (%s)", t.ID, t.Name))
	return ok(c, viewOf(c, t))
}

func getTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	t, err := GetAppContext(c).Store().Tenants.Get(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err, "Failed to query tenant")
	}
	return ok(c, viewOf(c, t))
}

func deleteTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	if err := GetAppContext(c).DeleteTenant(c.Request().Context(), id); err != nil {
		return failErr(c, err, "Failed to delete tenant")
	}
	audit(c, "tenant.delete", fmt.Sprintf("deleted tenant %d", id))
	return ok(c, map[string]interface{}{"deleted": true})
}

func toggleTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}

	appCtx := GetAppContext(c)
	ctx := c.Request().Context()
	var t *domain.Tenant
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "connect":
		t, err = appCtx.ConnectTenant(ctx, id)
	case "disconnect":
		t, err = appCtx.DisconnectTenant(ctx, id)
	default:
		return fail(c, http.StatusBadRequest, "INVALID_ACTION", "action must be connect or disconnect", req.Action)
	}
	if err != nil {
		return failErr(c, err, "Failed to "+req.Action+" tenant")
	}
	audit(c, "tenant."+req.Action, fmt.Sprintf("%s tenant %d", req.Action, id))
	return ok(c, map[string]interface{}{
		"success": true,
		"tenant":  viewOf(c, t),
		"worker":  appCtx.Supervisor().Status(id),
	})
}

type tenantStatusResponse struct {
	Tenant     *tenantView           `json:"tenant"`
	Worker     supervisor.WorkerInfo `json:"worker"`
	Live       *workerclient.Status  `json:"live,omitempty"`
	LiveError  string                `json:"live_error,omitempty"`
	Stats      *store.MessageStats   `json:"stats"`
	PausedAll  bool                  `json:"paused_all"`
	PausedSome int64                 `json:"paused_conversations"`
	Threads    int64                 `json:"threads"`
}

func getTenantStatus(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	appCtx := GetAppContext(c)
	ctx := c.Request().Context()
	st := appCtx.Store()

	t, err := st.Tenants.Get(ctx, id)
	if err != nil {
		return failErr(c, err, "Failed to query tenant")
	}
	stats, err := st.Messages.Stats(ctx, id, time.Now())
	if err != nil {
		return failErr(c, err, "Failed to compute stats")
	}

	resp := tenantStatusResponse{
		Tenant: viewOf(c, t),
		Worker: appCtx.Supervisor().Status(id),
		Stats:  stats,
	}
	if _, err := st.Pauses.Find(ctx, id, domain.PauseAllSentinel); err == nil {
		resp.PausedAll = true
	}
	resp.PausedSome, _ = st.Pauses.CountSingle(ctx, id)
	resp.Threads, _ = st.Threads.CountByTenant(ctx, id)

	if resp.Worker.Running {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		live, err := appCtx.Workers().Status(pctx, resp.Worker.Port)
		cancel()
		if err != nil {
			resp.LiveError = err.Error()
		} else {
			resp.Live = &live
		}
	}
	return ok(c, resp)
}

func updateCredentials(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	var req tenantRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	values := map[string]interface{}{}
	if v := strings.TrimSpace(req.OpenAIKey); v != "" {
		values["openai_api_key"] = v
	}
	if v := strings.TrimSpace(req.AssistantID); v != "" {
		values["assistant_id"] = v
	}
	if len(values) == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "openai_api_key or assistant_id is required", nil)
	}

	appCtx := GetAppContext(c)
	ctx := c.Request().Context()
	if err := appCtx.Store().Tenants.Updates(ctx, id, values); err != nil {
		return failErr(c, err, "Failed to update credentials")
	}
	restarted := appCtx.Supervisor().Status(id).Running
	if err := appCtx.RestartTenant(ctx, id); err != nil {
		return failErr(c, err, "Credentials saved but the worker did not restart")
	}
	audit(c, "tenant.credentials", fmt.Sprintf("updated assistant credentials of tenant %d", id))
	return ok(c, map[string]interface{}{"updated": true, "restarted": restarted})
}

func updateEmail(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	var req tenantRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return fail(c, http.StatusBadRequest, "INVALID_EMAIL", "A valid email is required", nil)
	}
	err = GetAppContext(c).Store().Tenants.Updates(c.Request().Context(), id, map[string]interface{}{
		"email":         email,
		"email_sent":    false,
		"email_sent_at": nil,
	})
	if err != nil {
		return failErr(c, err, "Failed to update email")
	}
	audit(c, "tenant.email", fmt.Sprintf("changed email of tenant %d", id))
	return ok(c, map[string]interface{}{"updated": true, "email": email})
}

func resendEmail(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	if err := GetAppContext(c).SendInvitation(c.Request().Context(), id); err != nil {
		if errors.Is(err, mailer.ErrDisabled) {
			return fail(c, http.StatusConflict, "MAIL_DISABLED", "Mail delivery is not configured", nil)
		}
		return failErr(c, err, "Failed to send invitation")
	}
	audit(c, "tenant.email", fmt.Sprintf("resent invitation of tenant %d", id))
	return ok(c, map[string]interface{}{"sent": true})
}

func sendMessage(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	to := common.NormalizePhone(req.To)
	if to == "" || strings.TrimSpace(req.Text) == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and text are required", nil)
	}
	t, err := GetAppContext(c).Store().Tenants.Get(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err, "Failed to query tenant")
	}
	port, running := workerPort(c, t)
	if !running {
		return fail(c, http.StatusServiceUnavailable, "WORKER_NOT_RUNNING", "The messaging worker is not running", nil)
	}
	if err := GetAppContext(c).Workers().Send(c.Request().Context(), port, to, req.Text); err != nil {
		return fail(c, http.StatusBadGateway, "SEND_FAILED", "Worker did not accept the message", err.Error())
	}
	audit(c, "tenant.send", fmt.Sprintf("sent a message to %s from tenant %d", to, id))
	return ok(c, map[string]interface{}{"sent": true})
}

// logoutTenant unlinks the paired device; the worker then shows a new code.
func logoutTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	appCtx := GetAppContext(c)
	t, err := appCtx.Store().Tenants.Get(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err, "Failed to query tenant")
	}
	if port, running := workerPort(c, t); running && !appCtx.Config().IsConsolidated() {
		if err := appCtx.Workers().Logout(c.Request().Context(), port); err != nil {
			return fail(c, http.StatusBadGateway, "LOGOUT_FAILED", "Worker did not log out", err.Error())
		}
	}
	if err := appCtx.ClearOwner(c.Request().Context(), id); err != nil {
		return failErr(c, err, "Failed to clear paired identity")
	}
	audit(c, "tenant.logout", fmt.Sprintf("logged out the device of tenant %d", id))
	return ok(c, map[string]interface{}{"logged_out": true})
}

func listPauses(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	items, err := GetAppContext(c).Store().Pauses.List(c.Request().Context(), id)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query pauses", err.Error())
	}
	return ok(c, items)
}

func clearPauses(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	n, _, err := GetAppContext(c).Pauses().ResumeAll(c.Request().Context(), id)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to clear pauses", err.Error())
	}
	audit(c, "tenant.pauses", fmt.Sprintf("cleared %d pauses of tenant %d", n, id))
	return ok(c, map[string]interface{}{"removed": n})
}

func listMessages(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	st := GetAppContext(c).Store()
	ctx := c.Request().Context()

	phone := common.NormalizePhone(c.QueryParam("phone"))
	var items []*domain.MessageRecord
	if phone != "" {
		items, err = st.Messages.Recent(ctx, id, phone, limit)
	} else {
		items, err = st.Messages.ListByTenant(ctx, id, time.Time{})
		if len(items) > limit {
			items = items[len(items)-limit:]
		}
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	return ok(c, items)
}

func exportMessages(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	var since time.Time
	if s := strings.TrimSpace(c.QueryParam("since")); s != "" {
		since, err = dateparse.ParseLocal(s)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_SINCE", "Unable to parse since", err.Error())
		}
	}
	items, err := GetAppContext(c).Store().Messages.ListByTenant(c.Request().Context(), id, since)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	data, err := gocsv.MarshalBytes(&items)
	if err != nil {
		zap.L().Error("adminapi: csv export failed", zap.Int64("tenant_id", id), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export messages", err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=tenant-%d-messages.csv", id))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", data)
}
