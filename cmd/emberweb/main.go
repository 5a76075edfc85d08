// Command emberweb runs the HTTP/CGI web server described by the package
// documentation in internal/server. It is a thin cobra.Command tree over
// internal/config and internal/server, grounded on
// x-stp-rxtls/cmd/rxtls/main.go's root-command-plus-subcommands shape (the
// teacher repo ships no CLI of its own).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kfcemployee/emberweb/internal/config"
	"github.com/kfcemployee/emberweb/internal/server"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
)

var (
	flagPort        int
	flagDocRoot     string
	flagWorkers     int
	flagDBPoolSize  int
	flagActorModel  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "emberweb",
		Short: "emberweb serves static files and the login/register CGI endpoints over a hand-rolled epoll reactor",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "one of debug, info, warn, error")

	root.AddCommand(serveCmd(), configCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the server and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOverlaid()
			if err != nil {
				return err
			}

			logger := newLogger(logLevel)
			srv, err := server.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("constructing server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&flagPort, "port", 0, "listening port (0 = use config)")
	cmd.Flags().StringVar(&flagDocRoot, "docroot", "", "document root (empty = use config)")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "worker pool size (0 = use config)")
	cmd.Flags().IntVar(&flagDBPoolSize, "db-pool-size", 0, "database connection pool size (0 = use config)")
	cmd.Flags().StringVar(&flagActorModel, "actor-model", "", "reactor or proactor (empty = use config)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "load and validate the effective configuration without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOverlaid()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			fmt.Fprint(os.Stdout, string(out))
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stdout, version)
			return nil
		},
	}
}

// loadOverlaid loads config from configPath (or the default search path),
// then overlays any serve-specific flags the caller set, in the precedence
// order documented in SPEC_FULL.md §4.8.
func loadOverlaid() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagDocRoot != "" {
		cfg.DocRoot = flagDocRoot
	}
	if flagWorkers != 0 {
		cfg.Server.WorkerCount = flagWorkers
	}
	if flagDBPoolSize != 0 {
		cfg.DB.PoolSize = flagDBPoolSize
	}
	if flagActorModel != "" {
		cfg.Server.ActorModel = flagActorModel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
