// Command producer reads the SBS-1 feed of an ADS-B receiver and publishes
// every line to the relay queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/V4T54L/sbs-relay/internal/adapter/api"
	"github.com/V4T54L/sbs-relay/internal/adapter/capture"
	"github.com/V4T54L/sbs-relay/internal/adapter/metrics"
	natsrepo "github.com/V4T54L/sbs-relay/internal/adapter/repository/nats"
	redisrepo "github.com/V4T54L/sbs-relay/internal/adapter/repository/redis"
	"github.com/V4T54L/sbs-relay/internal/adapter/repository/wal"
	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/pkg/config"
	"github.com/V4T54L/sbs-relay/internal/pkg/logger"
	"github.com/V4T54L/sbs-relay/internal/pkg/supervisor"
	"github.com/V4T54L/sbs-relay/internal/usecase"
)

// captureBuffer decouples socket reads from publishing.
const captureBuffer = 1024

func main() {
	flags := pflag.NewFlagSet("producer", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "load environment from this file before reading config")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(*envFile); err != nil {
		slog.Error("producer failed", "error", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelayMetrics(reg)

	sup := supervisor.New("producer", log, supervisor.DefaultConfig())

	var publisher domain.LinePublisher
	switch cfg.QueueBackend {
	case config.QueueBackendNATS:
		relay, err := natsrepo.NewRelayRepository(natsrepo.RelayOptions{
			URL:      cfg.NATSURL,
			Topic:    cfg.QueueName,
			DLQTopic: cfg.DLQStream,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize NATS relay: %w", err)
		}
		defer relay.Close()
		publisher = relay

	default:
		redisOpts, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("could not connect to redis, will proceed in WAL-only mode", "error", err)
		}

		walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, log)
		if err != nil {
			return fmt.Errorf("failed to initialize WAL repository: %w", err)
		}
		defer walRepo.Close()

		relay, err := redisrepo.NewRelayRepository(redisClient, log, redisrepo.RelayOptions{
			Stream:    cfg.QueueName,
			DLQStream: cfg.DLQStream,
			WAL:       walRepo,
			Metrics:   m,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize redis relay: %w", err)
		}
		publisher = relay

		// Lines left in the WAL by a previous run go out first.
		if err := relay.ReplayWAL(ctx); err != nil {
			log.Warn("WAL replay on startup failed, will retry on recovery", "error", err)
		}
		sup.Add(supervisor.Func("redis-health", func(ctx context.Context) error {
			relay.StartHealthCheck(ctx, cfg.HealthCheckInterval)
			return ctx.Err()
		}))
	}

	lines := make(chan string, captureBuffer)
	client := capture.NewSBSClient(cfg.CaptureAddr, cfg.CaptureReadTimeout, m, log)
	relayLines := usecase.NewRelayLinesUseCase(publisher, cfg.PublishInterval, m, log)

	sup.Add(supervisor.Func("capture", func(ctx context.Context) error {
		return client.StreamLines(ctx, lines)
	}))
	sup.Add(supervisor.Func("relay", func(ctx context.Context) error {
		return relayLines.Run(ctx, lines)
	}))
	sup.Add(supervisor.HTTPServer("admin", &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           api.NewAdminRouter(api.RouterDeps{Gatherer: reg, Logger: log}),
		ReadHeaderTimeout: 5 * time.Second,
	}))

	log.Info("producer started",
		"backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"receiver", cfg.CaptureAddr,
		"admin_addr", cfg.AdminAddr,
	)

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("producer shut down gracefully")
	return nil
}
