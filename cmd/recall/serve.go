package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  "Serves the chat API, runs scheduled reindex sweeps and, with --watch, reloads the config file on change.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, lv := newLogger(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger, Level: lv})
			if err != nil {
				return err
			}
			defer rt.Close()

			if watch && configPath != "" {
				go func() {
					err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
						if verbose {
							next.Log.Level = "debug"
						} else if logLevel != "" {
							next.Log.Level = logLevel
						}
						rt.Reload(next)
					})
					if err != nil {
						logger.Error("config watch stopped", "error", err)
					}
				}()
			}

			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the config file when it changes")

	return cmd
}
