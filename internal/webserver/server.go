// Package webserver hosts the admin, worker callback and landing http surfaces.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/botfleet/internal/app"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
)

// ContextApp is the echo context key holding the app.AppContext.
const ContextApp = "appctx"

// HeaderWorkerToken carries the shared secret on worker callbacks.
const HeaderWorkerToken = "X-Botfleet-Token"

var (
	promOnce       sync.Once
	promMiddleware echo.MiddlewareFunc
)

// prometheusMiddleware registers the http collectors once per process.
func prometheusMiddleware() echo.MiddlewareFunc {
	promOnce.Do(func() {
		promMiddleware = echoprometheus.NewMiddleware("botfleet")
	})
	return promMiddleware
}

type Server struct {
	root   *echo.Echo
	appCtx app.AppContext
}

func NewServer(appCtx app.AppContext) *Server {
	cfg := appCtx.Config()
	if cfg.Web.Secret == "" {
		cfg.Web.Secret = common.RandomSecret(32)
		zap.L().Warn("webserver: web.secret is empty, admin tokens will not survive a restart")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(prometheusMiddleware())
	e.Use(requestLogger())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContextApp, appCtx)
			return next(c)
		}
	})

	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})

	routeMu.Lock()
	mount(e.Group("/api/v1"), openRoutes)
	mount(e.Group("/api/v1", JWTAuth(cfg.Web.Secret)), apiRoutes)
	mount(e.Group("/api", workerToken(cfg.Worker.CallbackToken)), workerRoutes)
	mount(e.Group("/api"), publicRoutes)
	routeMu.Unlock()

	return &Server{root: e, appCtx: appCtx}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.root
}

func (s *Server) Start() error {
	cfg := s.appCtx.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr), zap.String("mode", cfg.Worker.Mode))
	err := s.root.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				zap.L().Warn("http request", fields...)
				return nil
			}
			zap.L().Info("http request", fields...)
			return nil
		},
	})
}

func workerToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token != "" && c.Request().Header.Get(HeaderWorkerToken) != token {
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"code":    "UNAUTHORIZED",
					"message": "invalid worker token",
				})
			}
			return next(c)
		}
	}
}
