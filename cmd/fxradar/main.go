// Package main wires together the radar service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/aggregate"
	"github.com/fxradar/fxradar/internal/api"
	"github.com/fxradar/fxradar/internal/archive"
	archivegcs "github.com/fxradar/fxradar/internal/archive/gcs"
	"github.com/fxradar/fxradar/internal/cache"
	"github.com/fxradar/fxradar/internal/clock/system"
	"github.com/fxradar/fxradar/internal/config"
	"github.com/fxradar/fxradar/internal/dispatcher"
	"github.com/fxradar/fxradar/internal/fetcher"
	"github.com/fxradar/fxradar/internal/id/uuid"
	"github.com/fxradar/fxradar/internal/identity"
	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/logging"
	notifypubsub "github.com/fxradar/fxradar/internal/notify/pubsub"
	"github.com/fxradar/fxradar/internal/queue"
	"github.com/fxradar/fxradar/internal/radar"
	"github.com/fxradar/fxradar/internal/scanner"
	"github.com/fxradar/fxradar/internal/status"
	"github.com/fxradar/fxradar/internal/upstream"
	"github.com/fxradar/fxradar/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	// An unreachable store degrades the service instead of killing it: the
	// queue endpoints report not configured while the snapshot keeps serving
	// from an empty in-memory provider.
	var provider kv.Provider
	degraded := false
	redisProvider, err := kv.NewRedisProvider(ctx, kv.RedisConfig{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	if err != nil {
		logger.Warn("redis unreachable, starting degraded", zap.Error(err))
		provider = kv.NewMemoryProvider()
		degraded = true
	} else {
		provider = redisProvider
		defer func() {
			if closeErr := redisProvider.Close(); closeErr != nil {
				logger.Error("redis close failed", zap.Error(closeErr))
			}
		}()
	}

	hook, hookCleanup := buildFlushHook(ctx, cfg, logger)
	defer hookCleanup()

	engine := aggregate.New(provider, clock, aggregate.Config{
		TopK:            cfg.Aggregate.TopK,
		FlushAfterFolds: cfg.Aggregate.FlushAfterFolds,
		FlushInterval:   time.Duration(cfg.Aggregate.FlushIntervalMs) * time.Millisecond,
	}, hook, logger.Named("aggregate"))
	if err := engine.Restore(ctx); err != nil {
		logger.Warn("snapshot restore failed, starting empty", zap.Error(err))
	}

	ident := identity.New(provider, 0)
	serverCache := cache.New(provider, cfg.Cache.Size, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	var (
		q        *queue.Queue
		reporter *status.Reporter
		dispatch *dispatcher.Dispatcher
	)
	if !degraded {
		q = queue.New(provider, ident, engine, clock, queue.Config{
			LeaseDuration: cfg.Lease(),
			MaxAttempts:   cfg.Workers.MaxAttempts,
		}, logger.Named("queue"))
		reporter = status.NewReporter(q, ident, status.NewTracker(0), clock)

		up := upstream.New(upstream.Config{
			BaseURL:   cfg.Upstream.BaseURL,
			UserAgent: cfg.Upstream.UserAgent,
			Timeout:   cfg.UpstreamTimeout(),
		})
		resolver := fetcher.New(up, fetcher.Config{
			BatchSize:     cfg.Fetcher.BatchSize,
			ChunkSize:     cfg.Fetcher.ChunkSize,
			ChunkInterval: time.Duration(cfg.Fetcher.ChunkIntervalMs) * time.Millisecond,
			LookupTimeout: time.Duration(cfg.Fetcher.LookupTimeoutSeconds) * time.Second,
			Backoff: fetcher.BackoffConfig{
				Floor:   time.Duration(cfg.Fetcher.BackoffFloorSeconds) * time.Second,
				Ceiling: time.Duration(cfg.Fetcher.BackoffCeilingSeconds) * time.Second,
			},
		}, logger.Named("fetcher"))
		prober := scanner.New(scanner.Config{
			Timeout:     time.Duration(cfg.Scanner.TimeoutSeconds) * time.Second,
			Concurrency: cfg.Scanner.Concurrency,
			UserAgent:   cfg.Upstream.UserAgent,
		}, logger.Named("scanner"))

		workerCfg := worker.Config{
			BatchSize:            cfg.Workers.BatchSize,
			IdleDelay:            time.Duration(cfg.Workers.IdleDelaySeconds) * time.Second,
			AddressPriorityRatio: cfg.Workers.AddressPriorityRatio,
		}
		var workers []*worker.Worker
		for i := 0; i < cfg.Workers.Count; i++ {
			id, idErr := idGen.NewID()
			if idErr != nil {
				id = fmt.Sprintf("worker-%d", i)
			}
			workers = append(workers, worker.New(id, q, ident, resolver, prober, workerCfg, logger.Named("worker")))
		}
		dispatch = dispatcher.New(up, q, engine, provider, workers, dispatcher.Config{
			SyncInterval: cfg.SyncInterval(),
		}, logger.Named("dispatcher"))
	}

	apiServer := api.NewServer(q, reporter, engine, serverCache, api.Config{
		RequestTimeout:   time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		CountersInterval: time.Duration(cfg.Server.CountersIntervalMs) * time.Millisecond,
		TopInterval:      time.Duration(cfg.Server.TopIntervalMs) * time.Millisecond,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("aggregate loop error", zap.Error(err))
		}
	}()

	if dispatch != nil {
		go func() {
			logger.Info("dispatcher started")
			dispatch.Run(ctx)
		}()
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildFlushHook hangs notification and archival on snapshot flushes when
// they are configured. Both are optional and best-effort.
func buildFlushHook(ctx context.Context, cfg config.Config, logger *zap.Logger) (aggregate.FlushHook, func()) {
	var (
		publisher radar.Publisher
		exporter  *archive.Exporter
		cleanups  []func()
	)

	if cfg.Notify.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
		if err != nil {
			logger.Warn("pubsub client init failed, notifications disabled", zap.Error(err))
		} else {
			publisher = notifypubsub.New(client.Publisher(cfg.Notify.TopicName))
			cleanups = append(cleanups, func() {
				if closeErr := client.Close(); closeErr != nil {
					logger.Error("pubsub close failed", zap.Error(closeErr))
				}
			})
		}
	}

	if cfg.Archive.GCSBucket != "" {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			logger.Warn("storage client init failed, archival disabled", zap.Error(err))
		} else {
			store, storeErr := archivegcs.New(client, archivegcs.Config{Bucket: cfg.Archive.GCSBucket})
			if storeErr != nil {
				logger.Warn("blob store init failed, archival disabled", zap.Error(storeErr))
			} else {
				exporter = archive.NewExporter(store, cfg.Archive.Prefix)
			}
			cleanups = append(cleanups, func() {
				if closeErr := client.Close(); closeErr != nil {
					logger.Error("storage close failed", zap.Error(closeErr))
				}
			})
		}
	}

	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	if publisher == nil && exporter == nil {
		return nil, cleanup
	}

	hook := func(hookCtx context.Context, snap radar.Snapshot) {
		if publisher != nil {
			event := map[string]any{
				"generated_at":    snap.GeneratedAt,
				"total_servers":   snap.TotalServers,
				"servers_online":  snap.ServersOnline,
				"total_players":   snap.TotalPlayers,
				"total_resources": snap.TotalResources,
			}
			if _, err := publisher.Publish(hookCtx, cfg.Notify.TopicName, event); err != nil {
				logger.Warn("snapshot notification failed", zap.Error(err))
			}
		}
		if exporter != nil {
			if _, err := exporter.Export(hookCtx, snap); err != nil {
				logger.Warn("snapshot archive failed", zap.Error(err))
			}
		}
	}
	return hook, cleanup
}
