package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the retention sweep once and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		_, application := bootstrap()
		defer application.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		res, err := application.Sweeper().Force(ctx)
		if res != nil {
			zap.L().Info("botfleet: sweep done",
				zap.Int64("messages", res.Messages),
				zap.Int64("threads", res.Threads),
				zap.Int64("legacy", res.Legacy))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
