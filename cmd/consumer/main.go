// Command consumer takes SBS-1 lines off the relay queue and writes each one
// to the report store, the per-day audit log and the last-seen cache.
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/V4T54L/sbs-relay/internal/adapter/api"
	"github.com/V4T54L/sbs-relay/internal/adapter/metrics"
	"github.com/V4T54L/sbs-relay/internal/adapter/repository/auditlog"
	mongorepo "github.com/V4T54L/sbs-relay/internal/adapter/repository/mongo"
	natsrepo "github.com/V4T54L/sbs-relay/internal/adapter/repository/nats"
	redisrepo "github.com/V4T54L/sbs-relay/internal/adapter/repository/redis"
	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/pkg/config"
	"github.com/V4T54L/sbs-relay/internal/pkg/logger"
	"github.com/V4T54L/sbs-relay/internal/pkg/supervisor"
	"github.com/V4T54L/sbs-relay/internal/usecase"
)

func main() {
	flags := pflag.NewFlagSet("consumer", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "load environment from this file before reading config")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(*envFile); err != nil {
		slog.Error("consumer failed", "error", err)
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
	if err := cfg.ValidateConsumer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPipelineMetrics(reg)

	consumerName := resolveConsumerName(cfg.ConsumerName, log)

	// The last-seen cache lives in Redis whatever the queue backend.
	redisOpts, err := redis.ParseURL(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("connected to redis")

	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return err
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			log.Error("failed to disconnect from mongo", "error", err)
		}
	}()
	log.Info("connected to mongo", "database", cfg.MongoDB, "collection", cfg.MongoCollection)

	var (
		source   domain.DeliverySource
		adminUse *usecase.AdminStreamUseCase
	)
	switch cfg.QueueBackend {
	case config.QueueBackendNATS:
		relay, err := natsrepo.NewRelayRepository(natsrepo.RelayOptions{
			URL:        cfg.NATSURL,
			Topic:      cfg.QueueName,
			DLQTopic:   cfg.DLQStream,
			Group:      cfg.ConsumerGroup,
			InFlight:   cfg.ConsumerBatchSize,
			AckWait:    cfg.ClaimMinIdle,
			MaxDeliver: int(cfg.MaxDeliveries),
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize NATS relay: %w", err)
		}
		defer relay.Close()
		source = relay

	default:
		relay, err := redisrepo.NewRelayRepository(redisClient, log, redisrepo.RelayOptions{
			Stream:       cfg.QueueName,
			DLQStream:    cfg.DLQStream,
			Group:        cfg.ConsumerGroup,
			Consumer:     consumerName,
			ClaimMinIdle: cfg.ClaimMinIdle,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize redis relay: %w", err)
		}
		source = relay
		adminUse = usecase.NewAdminStreamUseCase(redisrepo.NewAdminRepository(redisClient, log))
	}

	store := mongorepo.NewReportRepository(
		mongoClient.Database(cfg.MongoDB).Collection(cfg.MongoCollection),
		mongorepo.DefaultBreakerSettings,
		log,
	)
	cache := redisrepo.NewCacheRepository(redisClient, redisrepo.DefaultLastSeenKey, log)
	audit := auditlog.NewFileRepository(cfg.AuditLogDir, log)

	pipeline := usecase.NewProcessReportsUseCase(source, store, cache, audit, usecase.ProcessOptions{
		Partition:      cfg.StorePartition,
		BatchSize:      cfg.ConsumerBatchSize,
		Concurrency:    cfg.ConsumerConcurrency,
		MaxDeliveries:  cfg.MaxDeliveries,
		SinkTimeout:    cfg.SinkTimeout,
		SinkBestEffort: cfg.SinkBestEffort,
	}, m, log)

	sup := supervisor.New("consumer", log, supervisor.DefaultConfig())
	sup.Add(supervisor.Func("pipeline", pipeline.Run))
	sup.Add(supervisor.HTTPServer("admin", &http.Server{
		Addr: cfg.AdminAddr,
		Handler: api.NewAdminRouter(api.RouterDeps{
			Admin:    adminUse,
			LastSeen: usecase.NewLastSeenUseCase(cache),
			Gatherer: reg,
			APIKey:   cfg.AdminAPIKey,
			Logger:   log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}))

	log.Info("consumer started",
		"backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"group", cfg.ConsumerGroup,
		"consumer", consumerName,
		"admin_addr", cfg.AdminAddr,
	)

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("consumer shut down gracefully")
	return nil
}

// resolveConsumerName picks a stable name for this instance so its pending entries
// are found again after a restart.
func resolveConsumerName(configured string, log *slog.Logger) string {
	if configured != "" {
		return configured
	}
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "consumer-" + uuid.NewString()
		log.Warn("could not get hostname for consumer name, using a random one", "error", err, "consumer", name)
	}
	return name
}
