package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tejusbharadwaj/octoingest/internal/auth"
	"github.com/tejusbharadwaj/octoingest/internal/config"
	"github.com/tejusbharadwaj/octoingest/internal/database"
	"github.com/tejusbharadwaj/octoingest/internal/fetcher"
	server "github.com/tejusbharadwaj/octoingest/internal/grpc"
	"github.com/tejusbharadwaj/octoingest/internal/metrics"
	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/normalize"
	"github.com/tejusbharadwaj/octoingest/internal/octopus"
	"github.com/tejusbharadwaj/octoingest/internal/scheduler"
	"github.com/tejusbharadwaj/octoingest/internal/watermark"
)

// Command octoingest pulls smart-meter readings from Octopus Energy and
// writes them to TimescaleDB.
//
// The daemon:
//   - Exchanges the configured credential for a short-lived token
//   - Discovers the account's meters when none are configured
//   - Polls consumption for each meter on a fixed interval
//   - Attaches the tariff rate in force to every reading
//   - Writes each reading once, tracking a watermark per meter
//   - Serves gRPC health and Prometheus metrics
//
// Usage:
//
//	octoingest [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-once
//	      run a single ingestion cycle and exit
func main() {
	// Parse command line flags
	flags := parseFlags()

	// Load configuration
	appConfig, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logger
	logger := newLogger(appConfig.Logging)

	// Create a context that will be canceled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	if err := run(ctx, appConfig, flags, logger); err != nil {
		logger.WithError(err).Error("Exiting")
		os.Exit(1)
	}
}

type Flags struct {
	ConfigPath string
	Once       bool
}

func parseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.ConfigPath, "config", "config.yaml", "Path to the config file")
	flag.BoolVar(&flags.Once, "once", false, "Run a single ingestion cycle and exit")

	flag.Parse()

	return flags
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func run(ctx context.Context, appConfig *config.Config, flags *Flags, logger *logrus.Logger) error {
	// Storage
	repo, err := database.NewPostgresRepo(ctx, appConfig.DSN(), database.Options{
		MaxConnections: appConfig.Database.MaxConnections,
		Hypertable:     appConfig.Database.Hypertable,
	})
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Provider
	client := octopus.NewClient(octopus.Config{
		GraphQLURL:        appConfig.Octopus.GraphQLURL,
		RESTURL:           appConfig.Octopus.RESTURL,
		Timeout:           appConfig.Octopus.Timeout,
		RequestsPerSecond: appConfig.Octopus.RequestsPerSecond,
		Burst:             appConfig.Octopus.Burst,
		PageSize:          appConfig.Octopus.PageSize,
	}, logger)

	tokens := auth.NewManager(client, appConfig.Credential(), logger,
		auth.WithMargin(appConfig.Ingest.TokenMargin),
		auth.WithPolicy(appConfig.Retry.Auth),
	)

	meters, err := resolveMeters(ctx, appConfig, client, tokens, logger)
	if err != nil {
		return err
	}

	// Pipeline
	tracker := watermark.NewTracker(repo, logger)
	ids := make([]string, len(meters))
	for i, meter := range meters {
		ids[i] = meter.ID
	}
	if err := tracker.Load(ctx, ids); err != nil {
		return err
	}

	normalizer, err := normalize.NewForZone(appConfig.Ingest.Location)
	if err != nil {
		return err
	}

	sched, err := scheduler.NewScheduler(scheduler.Config{
		Interval:        appConfig.Ingest.PollInterval,
		Workers:         appConfig.Ingest.Workers,
		BatchSize:       appConfig.Ingest.BatchSize,
		Backfill:        appConfig.Ingest.Backfill,
		MeterTimeout:    appConfig.Ingest.MeterTimeout,
		WriteUnitRates:  appConfig.Ingest.WriteUnitRates,
		TariffCacheSize: appConfig.Ingest.TariffCacheSize,
		StoragePolicy:   appConfig.Retry.Storage,
	}, meters, scheduler.Deps{
		Tokens:     tokens,
		Fetcher:    fetcher.NewFetcher(client, tokens, appConfig.Octopus.AccountNumber, appConfig.Retry.Fetch, logger, m),
		Normalizer: normalizer,
		Tracker:    tracker,
		Sink:       repo,
		Observer:   m,
	}, logger)
	if err != nil {
		return err
	}

	if flags.Once {
		report, err := sched.RunCycle(ctx)
		if err != nil {
			return err
		}
		if report.Err != nil {
			return report.Err
		}
		if report.Failed() > 0 {
			return fmt.Errorf("%d of %d meters failed", report.Failed(), len(meters))
		}
		return nil
	}

	// Status endpoints
	health := server.NewHealthChecker()
	health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	health.SetServingStatus(server.IngestService, grpc_health_v1.HealthCheckResponse_SERVING)

	srv := server.SetupServer(health, m, logger, server.DefaultServerConfig())
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 3)

	go func() {
		logger.WithField("port", appConfig.Server.Port).Info("Starting gRPC status server")
		if err := srv.Serve(lis); err != nil {
			errChan <- fmt.Errorf("status server error: %w", err)
		}
	}()

	go func() {
		logger.WithField("port", appConfig.Server.MetricsPort).Info("Starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	go func() {
		err := sched.Run(ctx)
		if errors.Is(err, scheduler.ErrHalted) {
			// Stay up and report the halt until the operator intervenes.
			health.SetServingStatus(server.IngestService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			logger.WithError(err).Error("Ingestion halted, fix the credential and restart")
			return
		}
		if err != nil {
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errChan:
	}

	// Perform graceful shutdown
	logger.Info("Gracefully stopping servers...")
	health.Shutdown()
	srv.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Metrics server shutdown")
	}
	logger.Info("Servers stopped")

	return runErr
}

// resolveMeters returns the configured meters, or the account's meters when
// none are configured.
func resolveMeters(ctx context.Context, appConfig *config.Config, client *octopus.Client, tokens *auth.Manager, logger *logrus.Logger) ([]models.Meter, error) {
	if len(appConfig.Meters) > 0 {
		return appConfig.Meters, nil
	}

	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate for meter discovery: %w", err)
	}
	meters, err := client.Account(ctx, token, appConfig.Octopus.AccountNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to discover meters: %w", err)
	}
	if len(meters) == 0 {
		return nil, fmt.Errorf("account %s has no import meters", appConfig.Octopus.AccountNumber)
	}

	for _, meter := range meters {
		logger.WithFields(logrus.Fields{
			"meter_id":    meter.ID,
			"kind":        meter.Kind,
			"tariff_code": meter.TariffCode,
		}).Info("Discovered meter")
	}
	return meters, nil
}

// Handle graceful shutdown
func handleSignals(cancel context.CancelFunc, logger *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Printf("Received signal %v, initiating shutdown", sig)
	cancel()
}
