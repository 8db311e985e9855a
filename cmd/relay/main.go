package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	httphandlers "livecast/internal/handlers/http"
	"livecast/internal/infrastructure/events"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/repositories"
	signalws "livecast/internal/infrastructure/signal"
	"livecast/internal/infrastructure/storage"
	webrtcinfra "livecast/internal/infrastructure/webrtc"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/livecast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	for _, path := range configPaths {
		loaded, err := config.Load(path)
		if err == nil {
			cfg = loaded
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			// a present but broken config should fail loud, not fall
			// through to defaults
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	// tracing
	tracerCfg := tracing.DefaultConfig()
	tracerCfg.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.JaegerEndpoint != "" {
		tracerCfg.JaegerURL = cfg.Tracing.JaegerEndpoint
	}
	tracer, err := tracing.Init(tracerCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// repositories
	repoFactory, err := repositories.NewFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	streamRepo := repoFactory.StreamRepository()
	chatRepo := repoFactory.ChatRepository()

	// event bus: redis when available so every relay instance sees chat
	// and lifecycle events, in-process otherwise
	var bus ports.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = events.NewRedisBus(client, log)
	} else {
		bus = events.NewMemoryBus()
	}
	defer bus.Close()

	// blob storage for recordings
	var blobs ports.BlobStorage
	if cfg.Storage.Endpoint != "" {
		minioStorage, err := storage.NewMinioStorage(storage.MinioConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		}, log)
		if err != nil {
			log.Fatalw("failed to connect to object storage", "error", err)
		}
		blobs = minioStorage
	} else {
		log.Warn("no object storage configured, recordings are held in memory")
		blobs = storage.NewMemoryStorage()
	}

	// core services
	collector := monitoring.NewPrometheusCollector()
	qualityService := services.NewQualityService(nil, cfg.Quality.HysteresisFactor, cfg.Quality.UpgradeHeadroom)
	presence := services.NewPresenceService(streamRepo, cfg.Presence.FlushInterval, log)
	stats := services.NewStatsMonitor(presence, cfg.Stats.SampleInterval, log)
	chatService := services.NewChatMessageService(chatRepo, streamRepo, bus, log)

	// media relay
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	relayConfig := webrtcinfra.RelayConfig{
		ICEServers:    iceServers,
		AdaptInterval: cfg.Quality.AdaptInterval,
		StatsInterval: cfg.Stats.SampleInterval,
	}
	relayConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	relayConfig.PortRange.Max = cfg.WebRTC.PortRange.Max
	relay := webrtcinfra.NewRelay(relayConfig, qualityService, stats, collector, log)

	hub := services.NewSignalHub(streamRepo, relay, presence, chatService, bus, services.HubOptions{
		GracePeriod: cfg.Hub.PublisherGracePeriod,
		MaxViewers:  cfg.Hub.MaxViewersPerStream,
	}, log)
	recordings := services.NewRecordingPipeline(relay, blobs, streamRepo, bus, services.RecordingOptions{
		Retention:      cfg.Recording.Retention,
		MaxBufferBytes: cfg.Recording.MaxBufferBytes,
		UploadAttempts: cfg.Recording.UploadAttempts,
		SweepInterval:  cfg.Recording.SweepInterval,
	}, log)

	// background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go presence.Run(ctx)
	go stats.Run(ctx)
	go relay.Run(ctx)
	if cfg.Recording.Enabled {
		go recordings.Run(ctx)
		unsubscribeRecording := bus.Subscribe(recordings.HandleEvent)
		defer unsubscribeRecording()
	}

	unsubscribeMetrics := bus.Subscribe(metricsEventHandler(collector))
	defer unsubscribeMetrics()

	// signaling websocket
	wsServer := signalws.NewWebSocketServer(hub, chatService, bus, signalws.ServerOptions{
		PingInterval:  cfg.Signal.PingInterval,
		ReadTimeout:   cfg.Signal.PongTimeout,
		WriteTimeout:  cfg.Signal.WriteTimeout,
		ChatPerSecond: cfg.RateLimiting.ChatPerSecond,
		ChatBurst:     cfg.RateLimiting.ChatBurst,
		HistoryOnJoin: cfg.Hub.ChatHistoryOnJoin,
	}, log)
	defer wsServer.Close()

	relay.SetDisconnectHandler(func(streamID domain.StreamID, connID domain.ConnectionID, role domain.ConnectionRole, reason domain.CloseReason) {
		if role == domain.RoleViewer && reason == domain.CloseRelayFault {
			wsServer.NotifyClose(streamID, connID, reason)
		}
		hub.HandleDisconnect(context.Background(), streamID, connID, role)
	})

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	streamHandler := httphandlers.NewStreamHandler(hub, streamRepo, stats, chatService, recordings)
	streamHandler.SetupRoutes(router, cfg.Auth.JWTSecret)

	router.GET("/ws", func(c *gin.Context) {
		wsServer.HandleWebSocket(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer checkCancel()

		if err := repoFactory.HealthCheck(checkCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting livecast relay on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down livecast relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// end live sessions so viewers get a stream_ended close and in-flight
	// recordings are finalized before the process exits
	if live, err := streamRepo.ListLive(shutdownCtx); err != nil {
		log.Errorw("listing live streams on shutdown", "error", err)
	} else {
		for _, s := range live {
			if err := hub.ClosePublish(shutdownCtx, s.ID); err != nil {
				log.Errorw("closing stream on shutdown", "stream_id", s.ID, "error", err)
			}
		}
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("shutdown complete")
}

// metricsEventHandler keeps the Prometheus gauges in step with stream
// lifecycle events.
func metricsEventHandler(collector *monitoring.PrometheusCollector) func(*ports.Event) {
	return func(e *ports.Event) {
		switch e.Type {
		case ports.EventStreamStarted:
			collector.StreamStarted()
		case ports.EventStreamEnded:
			collector.StreamEnded(e.StreamID)
		case ports.EventViewerJoined:
			collector.ViewerJoined(e.StreamID, eventViewerCount(e))
		case ports.EventViewerLeft:
			collector.ViewerLeft(e.StreamID, eventViewerCount(e))
		case ports.EventChatMessage:
			collector.ChatMessage()
		case ports.EventRecordingReady:
			collector.RecordingUploaded()
		case ports.EventRecordingFailed:
			collector.RecordingFailed()
		}
	}
}

func eventViewerCount(e *ports.Event) int {
	var payload struct {
		ViewerCount int `json:"viewer_count"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return 0
	}
	return payload.ViewerCount
}
