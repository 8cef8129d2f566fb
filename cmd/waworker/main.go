// Command waworker is the messaging worker spawned once per tenant, or once
// for the whole fleet on a consolidated deployment.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/talkincode/botfleet/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var workDir string

var rootCmd = &cobra.Command{
	Use:          "waworker",
	Short:        "Run one WhatsApp session behind the worker control api",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&workDir, "dir", "d", ".", "worker directory holding worker.json and the device store")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(cfg *worker.Config) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	encoder := zap.NewProductionEncoderConfig()
	if cfg.LogMode == "development" {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	core := zapcore.NewTee(
		zapcore.NewCore(
			zapcore.NewJSONEncoder(encoder),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   filepath.Join(cfg.Dir, "worker.log"),
				MaxSize:    16,
				MaxBackups: 3,
				MaxAge:     7,
			}),
			level,
		),
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(os.Stdout),
			level,
		),
	)
	logger := zap.New(core, zap.AddCaller()).With(zap.Int64("tenant_id", cfg.TenantID))
	zap.ReplaceGlobals(logger)
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := worker.LoadConfig(workDir)
	if err != nil {
		return err
	}
	setupLogger(cfg)
	defer func() { _ = zap.L().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := worker.NewWhatsApp(ctx, cfg, worker.NewCallbacks(cfg))
	if err != nil {
		zap.L().Error("waworker: session init failed", zap.Error(err))
		return err
	}
	defer session.Close()

	srv := worker.NewServer(cfg, session)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		return session.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		zap.L().Error("waworker: stopped with error", zap.Error(err))
		return err
	}
	zap.L().Info("waworker: stopped")
	return nil
}
