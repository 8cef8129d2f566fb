package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/consolidated"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/webserver"
	"github.com/talkincode/botfleet/pkg/common"
)

func registerConsolidatedRoutes() {
	webserver.ApiGET("/consolidated/status", consolidatedStatus)
	webserver.ApiGET("/consolidated/tenants", consolidatedTenants)
	webserver.ApiPOST("/consolidated/associate", associatePhone)
	webserver.ApiPOST("/consolidated/tenants/:id/register", registerTenant)
	webserver.ApiPOST("/consolidated/tenants/:id/unregister", unregisterTenant)
}

// failRouting maps shared worker routing errors.
func failRouting(c echo.Context, err error, message string) error {
	switch {
	case errors.Is(err, consolidated.ErrNotRegistered):
		return fail(c, http.StatusConflict, "NOT_REGISTERED", message, err.Error())
	case errors.Is(err, consolidated.ErrUnroutable):
		return fail(c, http.StatusNotFound, "UNROUTABLE", message, err.Error())
	default:
		return failErr(c, err, message)
	}
}

func consolidatedStatus(c echo.Context) error {
	appCtx := GetAppContext(c)
	st, err := appCtx.Consolidated().Status(c.Request().Context())
	if err != nil {
		return failErr(c, err, "Failed to read routing table")
	}
	return ok(c, map[string]interface{}{
		"enabled": appCtx.Config().IsConsolidated(),
		"routing": st,
	})
}

func consolidatedTenants(c echo.Context) error {
	tenants := GetAppContext(c).Consolidated().Tenants()
	items := make([]*tenantView, 0, len(tenants))
	for _, t := range tenants {
		items = append(items, viewOf(c, t))
	}
	return ok(c, items)
}

func associatePhone(c echo.Context) error {
	var req struct {
		Phone    string `json:"phone"`
		TenantID int64  `json:"tenant_id,string"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	phone := common.NormalizePhone(req.Phone)
	if phone == "" || req.TenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phone and tenant_id are required", nil)
	}
	t, err := GetAppContext(c).Consolidated().Associate(c.Request().Context(), phone, req.TenantID)
	if err != nil {
		return failRouting(c, err, "Failed to associate phone")
	}
	audit(c, "consolidated.associate", fmt.Sprintf("associated %s with tenant %d", phone, t.ID))
	return ok(c, map[string]interface{}{"phone": phone, "tenant": viewOf(c, t)})
}

func registerTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	appCtx := GetAppContext(c)
	t, err := appCtx.Store().Tenants.Get(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err, "Failed to query tenant")
	}
	if !strings.EqualFold(t.Status, domain.TenantStatusActive) {
		return fail(c, http.StatusConflict, "TENANT_INACTIVE", "Only active tenants can be registered", t.Status)
	}
	appCtx.Consolidated().Register(t)
	audit(c, "consolidated.register", fmt.Sprintf("registered tenant %d on the shared worker", id))
	return ok(c, map[string]interface{}{"registered": true})
}

func unregisterTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}
	if err := GetAppContext(c).Consolidated().Unregister(c.Request().Context(), id); err != nil {
		return failRouting(c, err, "Failed to unregister tenant")
	}
	audit(c, "consolidated.unregister", fmt.Sprintf("unregistered tenant %d from the shared worker", id))
	return ok(c, map[string]interface{}{"registered": false})
}
