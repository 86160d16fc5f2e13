// Package main is the entry point for the recall conversational memory
// service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/runtime"
	"github.com/szaher/recall/internal/secrets"
	"github.com/szaher/recall/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	logLevel   string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Conversational backend with tiered long-term memory",
		Long: `recall answers conversation turns with a language model that can call
tools and remembers each conversation through a recency window, a rolling
summary and semantic recall over embedded messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RECALL_CONFIG"), "Path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReindexCmd())
	root.AddCommand(newPurgeCmd())

	return root
}

// loadConfig reads the config and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if _, err := telemetry.ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level, _ := telemetry.ParseLevel(cfg.Log.Level)
	base, lv := telemetry.NewLogger(os.Stderr, level, cfg.Log.Format)
	redact := secrets.NewRedactHandler(base.Handler())
	redact.Add(cfg.SecretValues()...)
	logger := slog.New(redact)
	slog.SetDefault(logger)
	return logger, lv
}

// openRuntime loads config and wires a runtime for one-shot commands.
func openRuntime(ctx context.Context) (*runtime.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, lv := newLogger(cfg)
	return runtime.New(ctx, cfg, runtime.Options{Logger: logger, Level: lv})
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
