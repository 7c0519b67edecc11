package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/common/config"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/docker"
	"github.com/kilnci/kiln/internal/events/bus"
	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/supervisor"
	"github.com/kilnci/kiln/internal/supervisor/api"
	"github.com/kilnci/kiln/internal/supervisor/store"
)

// runServer is the supervisor entry point: config, logger, event bus,
// docker client, snapshot cache, scanner, streaming hub, HTTP server.
func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting kiln",
		zap.String("repo", cfg.Repo.URL),
		zap.String("data", cfg.Paths.Data))

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Docker daemon unreachable", zap.Error(err))
	}

	cache, err := store.Open(cfg.StorePath())
	if err != nil {
		log.Warn("snapshot cache unavailable, parsing state files directly", zap.Error(err))
		cache = nil
	} else {
		defer cache.Close()
	}

	sup := supervisor.New(cfg, dockerClient, eventBus, cache, log)
	if err := sup.Init(); err != nil {
		log.Fatal("supervisor init failed", zap.Error(err))
	}

	hub := streaming.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("failed to attach hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)
	go sup.RunScanner(ctx)
	sup.Trigger()

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     api.NewServer(cfg, sup, hub, log).Router(),
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays zero: SSE and WebSocket responses are long-lived.
	}
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Info("shutting down")
	cancelCtx()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
}
