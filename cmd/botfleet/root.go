package main

import (
	"github.com/spf13/cobra"
	"github.com/talkincode/botfleet/config"
	"github.com/talkincode/botfleet/internal/app"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "botfleet",
	Short: "Multi tenant WhatsApp assistant orchestrator",
	Long: `botfleet provisions one messaging worker per tenant (or routes every tenant
through a shared worker), relays chat traffic to each tenant's assistant and
keeps the fleet healthy.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/botfleet.yml",
		"config file, missing files fall back to defaults and BOTFLEET_* variables")
}

// bootstrap loads the configuration and initializes the application.
func bootstrap() (*config.AppConfig, *app.Application) {
	cfg := config.LoadConfig(cfgFile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	return cfg, application
}
