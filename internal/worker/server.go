package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// Server exposes the control contract polled by the orchestrator.
type Server struct {
	cfg     *Config
	session Session
	root    *echo.Echo
	started time.Time
}

func NewServer(cfg *Config, session Session) *Server {
	s := &Server{cfg: cfg, session: session, root: echo.New(), started: time.Now()}
	e := s.root
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", s.health)
	e.GET("/status", s.status)
	e.GET("/pairing-code", s.pairingCode)
	e.GET("/pairing-code.png", s.pairingImage)
	// older orchestrators ask for /qr
	e.GET("/qr", s.pairingCode)
	e.GET("/logout", s.logout)
	e.GET("/force-restart", s.forceRestart)
	e.POST("/send", s.send)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.root
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	zap.L().Info("worker: control server listening", zap.String("addr", addr), zap.Int64("tenant_id", s.cfg.TenantID))
	err := s.root.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "ok",
		"tenant_id": fmt.Sprint(s.cfg.TenantID),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"connected":      s.session.Connected(),
		"hasPairingCode": s.session.PairingCode() != "",
		"boundIdentity":  s.session.Identity(),
	})
}

func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func (s *Server) pairingCode(c echo.Context) error {
	raw := s.session.PairingCode()
	if raw == "" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no pairing code available"})
	}
	url, err := qrDataURL(raw)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"code": url, "rawCode": raw})
}

func (s *Server) pairingImage(c echo.Context) error {
	raw := s.session.PairingCode()
	if raw == "" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no pairing code available"})
	}
	png, err := qrcode.Encode(raw, qrcode.Medium, 256)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

func (s *Server) logout(c echo.Context) error {
	if err := s.session.Logout(c.Request().Context()); err != nil {
		zap.L().Error("worker: logout failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) forceRestart(c echo.Context) error {
	zap.L().Warn("worker: forced restart requested")
	if err := s.session.Restart(c.Request().Context()); err != nil {
		zap.L().Error("worker: restart failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "to and text are required"})
	}
	if err := s.session.Send(c.Request().Context(), req.To, req.Text); err != nil {
		status := http.StatusBadGateway
		if err == ErrNotConnected {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}
