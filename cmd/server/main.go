// Command server starts the PulseCast stream control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pulsecast/internal/api"
	"pulsecast/internal/broadcast"
	"pulsecast/internal/config"
	"pulsecast/internal/lifecycle"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/observability/metrics"
	"pulsecast/internal/presence"
	"pulsecast/internal/reconcile"
	"pulsecast/internal/server"
	"pulsecast/internal/storage"
	"pulsecast/internal/vod"
	"pulsecast/internal/webhook"
	"pulsecast/internal/ws"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	queueDriver := flag.String("queue-driver", "", "broadcast queue driver (memory or redis)")
	roomsDriver := flag.String("rooms-driver", "", "presence room set driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for broadcast and presence backends")
	hlsRoot := flag.String("hls-root", "", "root directory of the media server's HLS output")
	recordingsDir := flag.String("recordings-dir", "", "directory holding raw session recordings")
	vodDir := flag.String("vod-dir", "", "directory receiving finished VOD files")
	hookToken := flag.String("hook-token", "", "shared secret required on media server callbacks")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	if err := config.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, config.GetEnv("PULSECAST_LOG_LEVEL", "info")),
		Format: config.GetEnv("PULSECAST_LOG_FORMAT", "json"),
	})
	recorder := metrics.New()

	listenAddr := firstNonEmpty(*addr, config.GetEnv("PULSECAST_ADDR", ":8080"))
	redisAddrValue := firstNonEmpty(*redisAddr, config.GetEnv("PULSECAST_REDIS_ADDR", ""))
	redisUsername := config.GetEnv("PULSECAST_REDIS_USERNAME", "")
	redisPassword := config.GetEnv("PULSECAST_REDIS_PASSWORD", "")

	var repo storage.Repository
	driver := strings.ToLower(firstNonEmpty(*storageDriver, config.GetEnv("PULSECAST_STORAGE_DRIVER", "json")))
	switch driver {
	case "json":
		dataFile := firstNonEmpty(*dataPath, config.GetEnv("PULSECAST_DATA", "data/store.json"))
		store, err := storage.NewStorage(dataFile)
		if err != nil {
			logger.Error("failed to open datastore", "path", dataFile, "error", err)
			os.Exit(1)
		}
		repo = store
	case "postgres":
		dsn := firstNonEmpty(*postgresDSN, config.GetEnv("PULSECAST_POSTGRES_DSN", ""))
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		pgRepo, err := storage.NewPostgresRepository(storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(config.GetEnvInt("PULSECAST_POSTGRES_MAX_CONNS", 0)),
			MinConnections:  int32(config.GetEnvInt("PULSECAST_POSTGRES_MIN_CONNS", 0)),
			MaxConnLifetime: config.GetEnvDuration("PULSECAST_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime: config.GetEnvDuration("PULSECAST_POSTGRES_MAX_CONN_IDLE", 0),
			QueryTimeout:    config.GetEnvDuration("PULSECAST_POSTGRES_QUERY_TIMEOUT", 0),
			ApplicationName: "pulsecast",
		})
		if err != nil {
			logger.Error("failed to open postgres datastore", "error", err)
			os.Exit(1)
		}
		repo = pgRepo
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}

	var queue broadcast.Queue
	switch strings.ToLower(firstNonEmpty(*queueDriver, config.GetEnv("PULSECAST_QUEUE_DRIVER", "memory"))) {
	case "memory":
		queue = broadcast.NewMemoryQueue(config.GetEnvInt("PULSECAST_QUEUE_BUFFER", 0))
	case "redis":
		redisQueue, err := broadcast.NewRedisQueue(broadcast.RedisQueueConfig{
			Addr:     redisAddrValue,
			Username: redisUsername,
			Password: redisPassword,
			Channel:  config.GetEnv("PULSECAST_QUEUE_REDIS_CHANNEL", ""),
			Logger:   logging.WithComponent(logger, "broadcast"),
		})
		if err != nil {
			logger.Error("failed to configure redis broadcast queue", "error", err)
			os.Exit(1)
		}
		queue = redisQueue
	default:
		logger.Error("unsupported queue driver", "driver", *queueDriver)
		os.Exit(1)
	}

	var rooms presence.RoomSet
	switch strings.ToLower(firstNonEmpty(*roomsDriver, config.GetEnv("PULSECAST_ROOMS_DRIVER", "memory"))) {
	case "memory":
		rooms = presence.NewMemoryRooms()
	case "redis":
		redisRooms, err := presence.NewRedisRooms(presence.RedisRoomsConfig{
			Addr:      redisAddrValue,
			Username:  redisUsername,
			Password:  redisPassword,
			KeyPrefix: config.GetEnv("PULSECAST_ROOMS_REDIS_PREFIX", ""),
		})
		if err != nil {
			logger.Error("failed to configure redis room set", "error", err)
			os.Exit(1)
		}
		rooms = redisRooms
	default:
		logger.Error("unsupported rooms driver", "driver", *roomsDriver)
		os.Exit(1)
	}

	registry := presence.NewRegistry(presence.Config{
		MaxConnections: config.GetEnvInt("PULSECAST_PRESENCE_MAX_CONNECTIONS", 0),
		MaxPerUser:     config.GetEnvInt("PULSECAST_PRESENCE_MAX_PER_USER", 0),
		EventBudget:    config.GetEnvInt("PULSECAST_PRESENCE_EVENT_BUDGET", 0),
		EventWindow:    config.GetEnvDuration("PULSECAST_PRESENCE_EVENT_WINDOW", 0),
		IdleTimeout:    config.GetEnvDuration("PULSECAST_PRESENCE_IDLE_TIMEOUT", 0),
		Rooms:          rooms,
		Logger:         logger,
		Metrics:        recorder,
	})

	hlsRootDir := firstNonEmpty(*hlsRoot, config.GetEnv("PULSECAST_HLS_ROOT", "data/hls"))
	probe := reconcile.NewManifestProbe(hlsRootDir, config.GetEnv("PULSECAST_HLS_MANIFEST", ""))

	engine := lifecycle.NewEngine(lifecycle.Config{
		Repository:     repo,
		Queue:          queue,
		Logger:         logger,
		Metrics:        recorder,
		Purger:         probe,
		OwnerlessGrace: config.GetEnvDuration("PULSECAST_OWNERLESS_GRACE", 0),
	})

	pipeline := vod.NewPipeline(vod.Config{
		Streams:        engine,
		Transcoder:     vod.NewFFmpegTranscoder(),
		Logger:         logger,
		Metrics:        recorder,
		RecordingsDir:  firstNonEmpty(*recordingsDir, config.GetEnv("PULSECAST_RECORDINGS_DIR", "data/recordings")),
		OutputDir:      firstNonEmpty(*vodDir, config.GetEnv("PULSECAST_VOD_DIR", "data/vods")),
		PublicBasePath: config.GetEnv("PULSECAST_VOD_BASE_PATH", ""),
		JobTimeout:     config.GetEnvDuration("PULSECAST_TRANSCODE_TIMEOUT", 0),
	})
	engine.SetTranscodeTrigger(pipeline)

	reconciler := reconcile.New(reconcile.Config{
		Lifecycle:           engine,
		Streams:             repo,
		Probe:               probe,
		Logger:              logger,
		Metrics:             recorder,
		Interval:            config.GetEnvDuration("PULSECAST_RECONCILE_INTERVAL", 0),
		MaxConcurrentProbes: config.GetEnvInt("PULSECAST_RECONCILE_MAX_PROBES", 0),
	})

	gateway := ws.NewGateway(ws.GatewayConfig{
		Registry:          registry,
		Lifecycle:         engine,
		Queue:             queue,
		Logger:            logger,
		Metrics:           recorder,
		HeartbeatInterval: config.GetEnvDuration("PULSECAST_WS_HEARTBEAT", 30*time.Second),
	})

	handler := api.NewHandler(repo, engine)
	handler.Gateway = gateway
	handler.Logger = logging.WithComponent(logger, "api")

	hooks := &webhook.Handler{
		Lifecycle: engine,
		Logger:    logging.WithComponent(logger, "webhook"),
		Token:     firstNonEmpty(*hookToken, config.GetEnv("PULSECAST_HOOK_TOKEN", "")),
	}

	srv, err := server.New(server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, config.GetEnv("PULSECAST_TLS_CERT", "")),
			KeyFile:  firstNonEmpty(*tlsKey, config.GetEnv("PULSECAST_TLS_KEY", "")),
		},
		CORS: server.CORSConfig{
			ViewerOrigins: splitAndTrim(config.GetEnv("PULSECAST_VIEWER_ORIGINS", "")),
		},
		Logger:  logger,
		Metrics: recorder,
		API:     handler,
		Hooks:   hooks,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go gateway.Run(workerCtx)
	pipelineStop := pipeline.Start(workerCtx)
	defer pipelineStop()
	reconcilerStop := reconciler.Start(workerCtx)
	defer reconcilerStop()
	sweepStop := presence.StartIdleSweep(workerCtx, logging.WithComponent(logger, "presence"), registry,
		config.GetEnvDuration("PULSECAST_PRESENCE_SWEEP_INTERVAL", 30*time.Second),
		func(room string) { gateway.RebroadcastCount(workerCtx, room) })
	defer sweepStop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("PulseCast listening", "addr", listenAddr, "storage", driver)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	reconcilerStop()
	pipelineStop()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := repo.Close(); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
