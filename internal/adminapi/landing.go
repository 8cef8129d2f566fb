package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/skip2/go-qrcode"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/webserver"
	"github.com/talkincode/botfleet/internal/workerclient"
)

const landingProbeTimeout = 5 * time.Second

func registerLandingRoutes() {
	webserver.PublicGET("/client/:token/status", landingStatus)
	webserver.PublicGET("/client/:token/qr", landingPairingCode)
	webserver.PublicGET("/client/:token/qr.png", landingPairingImage)
}

func landingTenant(c echo.Context) (*domain.Tenant, error) {
	token := strings.TrimSpace(c.Param("token"))
	return GetAppContext(c).Store().Tenants.GetByToken(c.Request().Context(), token)
}

// workerPort returns the control port serving t: its own worker, or the
// shared worker on a consolidated deployment.
func workerPort(c echo.Context, t *domain.Tenant) (int, bool) {
	appCtx := GetAppContext(c)
	if appCtx.Config().IsConsolidated() {
		port := appCtx.Config().Worker.SharedPort
		return port, port > 0
	}
	info := appCtx.Supervisor().Status(t.ID)
	return info.Port, info.Running && info.Port > 0
}

func landingStatus(c echo.Context) error {
	t, err := landingTenant(c)
	if err != nil {
		return failErr(c, err, "Failed to query tenant")
	}
	resp := map[string]interface{}{
		"name":           t.Name,
		"status":         t.Status,
		"connected":      t.ConnectedPhone != "",
		"bound_identity": t.ConnectedPhone,
	}
	if port, ok := workerPort(c, t); ok && !GetAppContext(c).Config().IsConsolidated() {
		ctx, cancel := context.WithTimeout(c.Request().Context(), landingProbeTimeout)
		defer cancel()
		if live, err := GetAppContext(c).Workers().Status(ctx, port); err == nil {
			resp["connected"] = live.Connected
			resp["has_pairing_code"] = live.HasPairingCode
			if live.BoundIdentity != "" {
				resp["bound_identity"] = live.BoundIdentity
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func fetchPairingCode(c echo.Context) (*workerclient.PairingCode, error) {
	t, err := landingTenant(c)
	if err != nil {
		return nil, failErr(c, err, "Failed to query tenant")
	}
	if t.ConnectedPhone != "" {
		return nil, fail(c, http.StatusConflict, "ALREADY_PAIRED", "A phone is already connected", t.ConnectedPhone)
	}
	port, ok := workerPort(c, t)
	if !ok {
		return nil, fail(c, http.StatusServiceUnavailable, "WORKER_NOT_RUNNING", "The messaging worker is not running", nil)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), landingProbeTimeout)
	defer cancel()
	code, err := GetAppContext(c).Workers().PairingCode(ctx, port)
	if err != nil {
		return nil, fail(c, http.StatusBadGateway, "WORKER_UNREACHABLE", "Pairing code is not available yet", err.Error())
	}
	if code.RawCode == "" && code.Code == "" {
		return nil, fail(c, http.StatusNotFound, "NO_PAIRING_CODE", "Pairing code is not available yet", nil)
	}
	return &code, nil
}

func landingPairingCode(c echo.Context) error {
	code, err := fetchPairingCode(c)
	if code == nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":     code.Code,
		"raw_code": code.RawCode,
	})
}

func landingPairingImage(c echo.Context) error {
	code, err := fetchPairingCode(c)
	if code == nil {
		return err
	}
	raw := code.RawCode
	if raw == "" {
		raw = code.Code
	}
	png, err := qrcode.Encode(raw, qrcode.Medium, 256)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QR_ENCODE_FAILED", "Failed to render pairing code", err.Error())
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}
