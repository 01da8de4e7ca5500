package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"github.com/zgpcy/azure-webapp-exporter/internal/azure"
	"github.com/zgpcy/azure-webapp-exporter/internal/collector"
	"github.com/zgpcy/azure-webapp-exporter/internal/config"
	"github.com/zgpcy/azure-webapp-exporter/internal/credential"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
	"github.com/zgpcy/azure-webapp-exporter/internal/registry"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
	"github.com/zgpcy/azure-webapp-exporter/internal/server"
	"github.com/zgpcy/azure-webapp-exporter/internal/supervisor"
	"github.com/zgpcy/azure-webapp-exporter/internal/version"
)

const (
	// DefaultShutdownTimeout is the maximum time to wait for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second
)

var (
	configPath = flag.StringP("config", "c", "config.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	// A broken config file must not crash the exporter: run idle with defaults
	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.Default()
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	log.Info("Azure Web App Exporter starting",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"config_path", *configPath)

	if cfgErr != nil {
		log.Error("Failed to load configuration, running without identities",
			"error_kind", "config_failure",
			"error", cfgErr)
	} else {
		log.Info("Configuration loaded successfully",
			"identities", len(cfg.Identities),
			"cloud", cfg.Cloud,
			"refresh_interval_seconds", cfg.RefreshInterval,
			"request_delay_ms", cfg.RequestDelayMS,
			"max_concurrency", cfg.MaxConcurrency,
			"http_port", cfg.HTTPPort,
			"cost_enabled", cfg.Cost.Enabled)
	}

	cloudCfg := cfg.CloudConfiguration()
	store := registry.New(registry.WithStaleAfter(cfg.StaleAfterDuration()))
	tokens := credential.NewCache(credential.NewAzureExchanger(cloudCfg), cfg.RefreshMargin(),
		credential.WithLogger(log))
	client := azure.NewMonitorClient(cloudCfg.Services[cloud.ResourceManager].Endpoint,
		azure.WithRequestTimeout(cfg.Timeout()))
	tracker := collector.NewTracker(store.Len)

	if cfgErr != nil {
		tracker.Report("config", collector.CycleResult{Attempted: 1, Failed: 1, Failures: []error{cfgErr}, Err: cfgErr})
	}

	// Every (re)start of a worker builds a fresh scheduler
	workers := []supervisor.Worker{}
	for _, kind := range []resource.Kind{resource.KindWebApp, resource.KindPlan} {
		opts := collector.Options{
			Domain:            kind,
			Identities:        cfg.Identities,
			Groups:            cfg.Groups(kind),
			Period:            cfg.Period(),
			RequestDelay:      cfg.RequestDelay(),
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxConcurrency:    cfg.MaxConcurrency,
			MaxRetries:        cfg.Retries(),
			PlanSpecs:         cfg.PlanSpecsEnabled(),
			StaleAfter:        cfg.StaleAfterDuration(),
		}
		tracker.Expect(string(kind))
		workers = append(workers, supervisor.Worker{
			Name: string(kind),
			Run: func(ctx context.Context) error {
				return collector.NewScheduler(opts, tokens, client, store, tracker, log).Run(ctx)
			},
		})
	}

	if cfg.Cost.Enabled {
		targets, err := costTargets(cfg, tokens, log)
		if err != nil {
			log.Error("Failed to create cost client, cost worker disabled", "error", err)
		} else {
			tracker.Expect(collector.CostWorker)
			workers = append(workers, supervisor.Worker{
				Name: collector.CostWorker,
				Run: func(ctx context.Context) error {
					return collector.NewCostRefresher(targets, collector.DefaultCostPeriod, store, tracker, log).Run(ctx)
				},
			})
		}
	}

	sup := supervisor.New(workers, supervisor.Options{PollInterval: cfg.PollInterval()}, log)

	// Private registry: the metric store, self metrics and runtime metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		store,
		tracker,
		tokens,
		sup,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		if err := sup.Run(ctx); err != nil {
			log.Error("Supervisor stopped", "error", err)
		}
	}()

	// Create and start HTTP server
	srv := server.NewServer(cfg, tracker, promRegistry, log)
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", "error", err)
		cancel()
		<-supervisorDone
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("Received shutdown signal, starting graceful shutdown", "signal", sig.String())

		// Stop the workers
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during server shutdown", "error", err)
			os.Exit(1)
		}

		select {
		case <-supervisorDone:
		case <-shutdownCtx.Done():
			log.Warn("Workers did not stop before the shutdown timeout")
		}

		log.Info("Exporter stopped gracefully")
	}
}

// costTargets builds one cost source per distinct resource group. The clients
// share the token cache of the metric schedulers.
func costTargets(cfg *config.Config, tokens *credential.Cache, log *logger.Logger) ([]collector.CostTarget, error) {
	seen := make(map[string]bool)
	var targets []collector.CostTarget
	for _, id := range cfg.Identities {
		key := id.SubscriptionID + "/" + id.ResourceGroupName
		if seen[key] {
			continue
		}
		seen[key] = true

		client, err := azure.NewCostClient(tokens.Credential(id), azure.CostOptions{
			Cloud:         cfg.CloudConfiguration(),
			Currency:      cfg.Cost.Currency,
			EndDateOffset: *cfg.Cost.EndDateOffset,
			Timeout:       cfg.Timeout(),
		}, log.WithFields("worker", collector.CostWorker))
		if err != nil {
			return nil, err
		}
		targets = append(targets, collector.CostTarget{Identity: id, Source: client})
	}
	return targets, nil
}
