package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/edge"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/logging"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	flagServer        string
	flagToken         string
	flagDataDir       string
	flagLogLevel      string
	flagRunOnce       bool
	flagSimulate      bool
	flagAllowShutdown bool
	flagBufferBytes   int64
)

var rootCmd = &cobra.Command{
	Use:     "edgewatch-agent",
	Short:   "EdgeWatch agent - field device telemetry reporter",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagServer, "server", envOr("EDGEWATCH_SERVER_URL", ""), "EdgeWatch server base URL")
	rootCmd.Flags().StringVar(&flagToken, "token", envOr("EDGEWATCH_DEVICE_TOKEN", ""), "device bearer token")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", envOr("EDGEWATCH_AGENT_DATA_DIR", "/var/lib/edgewatch-agent"), "directory for the buffer and state sidecars")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", envOr("EDGEWATCH_LOG_LEVEL", "info"), "log level")
	rootCmd.Flags().BoolVar(&flagRunOnce, "run-once", false, "run a single scheduler tick and exit")
	rootCmd.Flags().BoolVar(&flagSimulate, "simulate", false, "use the simulated sensor instead of real readers")
	rootCmd.Flags().BoolVar(&flagAllowShutdown, "allow-shutdown", false, "permit remote shutdown commands")
	rootCmd.Flags().Int64Var(&flagBufferBytes, "buffer-max-bytes", 64<<20, "local buffer byte quota")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     flagLogLevel,
		Component: "edgewatch-agent",
	})

	if flagServer == "" || flagToken == "" {
		return fmt.Errorf("--server and --token are required (or EDGEWATCH_SERVER_URL / EDGEWATCH_DEVICE_TOKEN)")
	}
	if err := os.MkdirAll(flagDataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log.Info().Str("version", Version).Str("server", flagServer).Msg("Starting EdgeWatch agent")

	buffer, err := edge.OpenBuffer(flagDataDir+"/buffer.db", flagBufferBytes)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer buffer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := edge.NewClient(flagServer, flagToken)
	policies := edge.NewPolicyClient(client, flagDataDir)
	commands := edge.NewCommandManager(client, flagDataDir, flagAllowShutdown, func(grace time.Duration) {
		go func() {
			log.Warn().Dur("grace", grace).Msg("Shutdown grace timer running")
			time.Sleep(grace)
			log.Warn().Msg("Executing remote shutdown")
			cancel()
		}()
	})
	costCap := edge.NewCostCap(flagDataDir, policy.CostCaps{})
	saver := edge.NewPowerSaver(flagDataDir, policy.PowerManagement{})

	sensors := edge.NewRegistry()
	if !flagSimulate {
		// Platform readers register here per deployment; without any the
		// agent falls back to the simulated sensor so the loop stays alive.
		log.Warn().Msg("No platform sensor readers registered, using simulated sensor")
	}
	sensors.Register(edge.NewSimulatedReader(time.Now().UnixNano()))

	sched := edge.NewScheduler(client, buffer, policies, commands, costCap, saver, sensors)

	if flagRunOnce {
		sched.Tick(ctx)
		return nil
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down agent")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Agent stopped")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
