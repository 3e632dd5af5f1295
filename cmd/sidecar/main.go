// Package main is the sidecar entry point: a desktop shell spawns this
// process and speaks ndjson with it over stdio. Logs go to stderr; stdout
// carries only protocol lines.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/internal/bridge"
	"github.com/MJYKIM99/ClaudeBench/internal/config"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/internal/logging"
	"github.com/MJYKIM99/ClaudeBench/internal/permission"
	"github.com/MJYKIM99/ClaudeBench/internal/session"
	"github.com/MJYKIM99/ClaudeBench/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	logLevel   string
	prettyLogs bool
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:     "sidecar",
	Short:   "Session core bridging a desktop chat client to the agent CLI",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human-readable log output")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "Database path (default: the data dir)")
}

func run() error {
	// Best effort: a .env next to the binary carries API credentials in dev.
	_ = godotenv.Load()

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Pretty: prettyLogs,
	})
	log := logging.Component("main")

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	path := dbPath
	if path == "" {
		if err := config.EnsureDataDir(); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		path = config.DBPath()
	}
	st, err := store.Open(path)
	if err != nil {
		// The whole process is pointless without durable state.
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := event.NewBus()
	defer bus.Close()

	runner := &agent.CLIRunner{Binary: settings.AgentBinary}
	arbiter := permission.NewArbiter(st, bus)
	registry := session.NewRegistry(st, bus, runner, arbiter, settings)
	wire := bridge.New(registry, arbiter, st, bus, settings, os.Stdin, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Version).Str("db", path).Msg("sidecar started")

	err = wire.Serve(ctx)

	registry.Shutdown()
	log.Info().Msg("sidecar stopped")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
