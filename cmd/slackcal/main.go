package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "slackcal/internal/log"
)

var version = "0.1.0-dev"

const defaultConfigPath = "/etc/slackcal/config.yaml"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "slackcal",
		Short:         "Turn Slack channel chatter into a meeting and task calendar with reminders",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("SLACKCAL_CONFIG", defaultConfigPath), "Path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(runOnceCmd(&configPath))
	rootCmd.AddCommand(notifyCmd(&configPath))
	rootCmd.AddCommand(channelsCmd(&configPath))
	rootCmd.AddCommand(exportICSCmd(&configPath))
	rootCmd.AddCommand(importICSCmd(&configPath))

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	appLog.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
