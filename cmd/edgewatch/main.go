package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/alerting"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/api"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/config"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/ingest"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/jobs"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/logging"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/notify"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/pubsub"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "edgewatch",
	Short:   "EdgeWatch - telemetry ingest and alerting server for field devices",
	Long:    `EdgeWatch ingests telemetry from battery- and bandwidth-constrained field devices, validates it against a versioned contract, evaluates alert thresholds and delivers operator control commands.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EdgeWatch %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized once config loads.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "edgewatch",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "edgewatch",
	})

	log.Info().Str("version", Version).Msg("Starting EdgeWatch server")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open store")
	}
	defer st.Close()

	artifacts, err := config.LoadArtifacts(cfg.ContractPath, cfg.PolicyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load artifacts")
	}
	if cfg.WatchArtifacts {
		if err := artifacts.Watch(); err != nil {
			log.Warn().Err(err).Msg("Artifact watcher unavailable, edits require SIGHUP")
		} else {
			defer artifacts.Stop()
		}
	}

	destinations := buildDestinations(cfg.WebhookURLs)
	alertRouter := alerting.NewRouter(st, alerting.RouterConfig{
		Enabled:        cfg.NotificationsEnabled,
		QuietStart:     cfg.QuietHoursStart,
		QuietEnd:       cfg.QuietHoursEnd,
		QuietTimezone:  cfg.QuietHoursTimezone,
		DedupeWindow:   cfg.DedupeWindow,
		ThrottleWindow: cfg.ThrottleWindow,
		ThrottleMax:    cfg.ThrottleMax,
	}, destinations)
	evaluator := alerting.NewEvaluator(artifacts.Policy)

	var publisher pubsub.Publisher
	if cfg.PipelineMode == "pubsub" {
		publisher = pubsub.NewHTTPPublisher(cfg.PubSubPushEndpoint, cfg.PubSubPushToken)
	}

	pipeline := ingest.NewPipeline(st, artifacts.Contract, evaluator, alertRouter, publisher, ingest.Config{
		Mode:                models.PipelineMode(cfg.PipelineMode),
		ValidationMode:      ingest.ValidationMode(cfg.ValidationMode),
		UnknownKeys:         ingest.UnknownKeyPolicy(cfg.UnknownKeyPolicy),
		MaxPointsPerRequest: cfg.MaxPointsPerRequest,
	})

	var limiter *ingest.DeviceLimiter
	if cfg.RateLimitEnabled {
		limiter = ingest.NewDeviceLimiter(cfg.RateLimitPointsPerMinute)
		defer limiter.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := jobs.NewRunner()
	runner.Register(alerting.NewOfflineDetector(st, alertRouter), cfg.OfflineCheckInterval)
	runner.Register(jobs.JobFunc{
		JobName: "command_expiry",
		Fn: func(ctx context.Context) error {
			n, err := st.ExpirePendingCommands(ctx, time.Now())
			if n > 0 {
				metrics.CommandsExpiredTotal.Add(float64(n))
				log.Info().Int64("expired", n).Msg("Expired stale control commands")
			}
			return err
		},
	}, cfg.CommandExpiryInterval)
	runner.Register(jobs.JobFunc{
		JobName: "retention",
		Fn: func(ctx context.Context) error {
			_, err := st.RunRetention(ctx, store.DefaultRetention())
			return err
		},
	}, cfg.RetentionSweepInterval)
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Background runner stopped")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.NewRouter(cfg, st, pipeline, limiter, artifacts),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", cfg.PipelineMode).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			log.Info().Msg("SIGHUP received, reloading artifacts")
			artifacts.Reload()
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Server stopped")
}

// buildDestinations infers each webhook's adapter from its URL. Unknown
// hosts fall back to the generic JSON payload.
func buildDestinations(urls []string) []notify.Destination {
	var out []notify.Destination
	for _, raw := range urls {
		kind := notify.KindGeneric
		if u, err := url.Parse(raw); err == nil {
			switch {
			case strings.HasSuffix(u.Host, "slack.com"):
				kind = notify.KindSlack
			case strings.HasSuffix(u.Host, "discord.com"), strings.HasSuffix(u.Host, "discordapp.com"):
				kind = notify.KindDiscord
			case u.Host == "api.telegram.org":
				kind = notify.KindTelegram
			}
		}
		dest, err := notify.New(notify.Config{
			Kind:    kind,
			Name:    kind + "-" + notify.URLFingerprint(raw)[:8],
			URL:     raw,
			Enabled: true,
		}, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping webhook destination")
			continue
		}
		out = append(out, dest)
		log.Info().Str("kind", kind).Str("fingerprint", dest.Fingerprint()).Msg("Registered notification destination")
	}
	return out
}
