// Package main is the entry point of the botfleet orchestrator.
package main

import (
	"os"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd.Version = version + " (" + commit + ")"
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
