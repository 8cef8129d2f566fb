package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/botfleet/internal/app"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/supervisor"
	"github.com/talkincode/botfleet/internal/webserver"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Response is the success envelope.
type Response struct {
	Data interface{} `json:"data"`
	Meta *Meta       `json:"meta,omitempty"`
}

type Meta struct {
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Data: data})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, Response{
		Data: data,
		Meta: &Meta{Total: total, Page: page, PageSize: pageSize},
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, ErrorResponse{Code: code, Message: message, Detail: detail})
}

// failErr maps service errors onto http statuses.
func failErr(c echo.Context, err error, message string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Tenant not found", nil)
	case errors.Is(err, app.ErrInvalidTenant):
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", message, err.Error())
	case errors.Is(err, supervisor.ErrNoPort):
		return fail(c, http.StatusServiceUnavailable, "NO_PORT", message, err.Error())
	case errors.Is(err, supervisor.ErrSpawn):
		return fail(c, http.StatusBadGateway, "PROVISION_FAILED", message, err.Error())
	default:
		zap.L().Error("adminapi: "+message, zap.Error(err))
		return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, err.Error())
	}
}

func parsePagination(c echo.Context) (int, int) {
	page := cast.ToInt(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize := cast.ToInt(c.QueryParam("pageSize"))
	if pageSize <= 0 {
		pageSize = cast.ToInt(c.QueryParam("page_size"))
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid %s", name)
	}
	return id, nil
}

func GetAppContext(c echo.Context) app.AppContext {
	appCtx, _ := c.Get(webserver.ContextApp).(app.AppContext)
	return appCtx
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB()
}

// audit writes an operator log row. Failures are only logged.
func audit(c echo.Context, action, desc string) {
	name := "system"
	if opr := webserver.Operator(c); opr != nil {
		name = opr.Username
	}
	err := GetDB(c).Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   name,
		OprIp:     c.RealIP(),
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}).Error
	if err != nil {
		zap.L().Warn("adminapi: audit write failed", zap.String("action", action), zap.Error(err))
	}
}
