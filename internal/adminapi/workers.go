package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/retention"
	"github.com/talkincode/botfleet/internal/webserver"
)

func registerWorkerRoutes() {
	webserver.ApiGET("/workers", listWorkers)
	webserver.ApiPOST("/retention/sweep", forceSweep)
}

func listWorkers(c echo.Context) error {
	appCtx := GetAppContext(c)
	return ok(c, map[string]interface{}{
		"mode":    appCtx.Config().Worker.Mode,
		"live":    appCtx.Supervisor().LiveCount(),
		"workers": appCtx.Supervisor().List(),
	})
}

func forceSweep(c echo.Context) error {
	res, err := GetAppContext(c).Sweeper().Force(c.Request().Context())
	if err != nil {
		if errors.Is(err, retention.ErrSweepFailed) {
			return fail(c, http.StatusInternalServerError, "SWEEP_FAILED", "Retention sweep failed", res)
		}
		return failErr(c, err, "Retention sweep failed")
	}
	audit(c, "retention.sweep", "forced retention sweep")
	return ok(c, res)
}
