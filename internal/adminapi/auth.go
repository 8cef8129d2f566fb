package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/webserver"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func registerAuthRoutes() {
	webserver.OpenPOST("/auth/login", login)
	webserver.ApiGET("/auth/me", currentOperator)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "username and password are required", nil)
	}

	var opr domain.SysOpr
	if err := GetDB(c).Where("username = ?", req.Username).First(&opr).Error; err != nil {
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if opr.Status != common.ENABLED {
		return fail(c, http.StatusForbidden, "OPERATOR_DISABLED", "Operator is disabled", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(opr.Password), []byte(req.Password)); err != nil {
		zap.L().Warn("adminapi: login failed", zap.String("username", req.Username), zap.String("ip", c.RealIP()))
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}

	cfg := GetAppContext(c).Config()
	token, expires, err := webserver.IssueToken(cfg.Web.Secret, opr.Username, opr.Level, cfg.Admin.TokenTTL)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_FAILED", "Unable to issue token", err.Error())
	}
	GetDB(c).Model(&domain.SysOpr{}).Where("id = ?", opr.ID).Update("last_login", time.Now())
	return ok(c, map[string]interface{}{
		"token":      token,
		"expires_at": expires,
		"username":   opr.Username,
		"level":      opr.Level,
	})
}

func currentOperator(c echo.Context) error {
	opr := webserver.Operator(c)
	if opr == nil {
		return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Not logged in", nil)
	}
	return ok(c, map[string]string{"username": opr.Username, "level": opr.Level})
}
