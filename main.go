package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"hydrotrack/cache"
	"hydrotrack/config"
	"hydrotrack/database"
	"hydrotrack/handlers"
	"hydrotrack/kafka"
	"hydrotrack/logger"
	"hydrotrack/notify"
	"hydrotrack/queue"
	"hydrotrack/registry"
	"hydrotrack/services"
	"hydrotrack/websocket"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.New("hydrotrack", logger.ParseLevel("info")).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New("hydrotrack", logger.ParseLevel(cfg.Server.LogLevel))
	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}
	log.Info("starting hydrotrack pipeline", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.GetDatabaseURL())
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx, log); err != nil {
			log.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}
	log.Info("database connection established")

	// Redis backs dedup markers, the readings cache and job retention
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, running without dedup, cache and job retention", "addr", cfg.Redis.Addr, "error", err)
			redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Info("redis connection established", "addr", cfg.Redis.Addr)
		}
		pingCancel()
	}

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		log.Error("failed to load registry", "path", cfg.Registry.Path, "error", err)
		os.Exit(1)
	}

	// Domain event fan-out
	bus := notify.NewBus(1024, log)
	wsHub := websocket.NewHub(cfg.Server.AllowOrigins, log)
	bus.Subscribe("websocket", wsHub)
	if cfg.NATS.URL != "" {
		publisher, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			log.Warn("nats unavailable, domain events stay local", "url", cfg.NATS.URL, "error", err)
		} else {
			defer publisher.Close()
			bus.Subscribe("nats", publisher)
			log.Info("publishing domain events to nats", "subject", cfg.NATS.Subject)
		}
	}
	go wsHub.Run(ctx)
	go bus.Run(ctx)

	tracker := services.NewStatusTracker(services.StatusConfigFrom(cfg.Status), bus, log)
	tracker.RegisterSensors(reg.Sensors())
	gateways := make(map[string]string)
	for _, gw := range reg.Gateways() {
		gateways[gw.ID] = gw.MAC
	}
	tracker.RegisterGateways(gateways)
	go tracker.Run(ctx)

	detector := services.NewEventDetector(db, db, bus, services.DefaultDetectorThresholds(), log)
	engine := services.NewCompressionEngine(db, db, detector, bus, services.CompressionConfig{
		Deadband:        cfg.Pipeline.Deadband,
		WindowSize:      cfg.Pipeline.WindowSize,
		StabilityStdDev: cfg.Pipeline.StabilityStdDev,
		MaxDeferral:     cfg.Pipeline.MaxDeferral,
	}, log)

	readingsCache := cache.New(redisClient, cache.DefaultTTL, log)
	processor := services.NewJobProcessor(engine, readingsCache, log)

	var retention queue.RetentionStore
	if redisClient != nil {
		retention = queue.NewRedisRetention(redisClient, queue.RetentionPolicyFrom(cfg.Queue))
	}
	jobs := queue.New(queue.ConfigFrom(cfg.Queue), processor.Handle, retention, log)
	jobs.Start(ctx)

	ingest := services.NewIngestService(reg, services.NewDuplicateFilter(redisClient, log), db, jobs, processor, tracker, cfg.Pipeline.InlineTimeout, log)

	// Gateway transport
	var consumer *kafka.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err = kafka.NewConsumer(cfg.Kafka, ingest, tracker, log)
		if err != nil {
			log.Error("failed to initialize kafka consumer", "error", err)
			os.Exit(1)
		}
		consumer.Start(ctx)
		log.Info("kafka consumer initialized", "topics", cfg.Kafka.Topics)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-consumer.ErrorChannel():
					log.Warn("kafka consumer error", "error", err)
				}
			}
		}()
	}

	// Periodic statistics broadcast
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wsHub.BroadcastStats(map[string]interface{}{
					"queue":             jobs.Stats(ctx),
					"connectivity":      tracker.Summary(),
					"connected_clients": wsHub.GetClientCount(),
					"dropped_events":    bus.Dropped(),
					"timestamp":         time.Now(),
				})
			}
		}
	}()

	// Initialize HTTP handlers
	calibrator := services.NewCalibrator(reg, db, log)
	handler := handlers.New(ingest, db, jobs, calibrator, tracker, readingsCache, wsHub, log)

	// Setup Gin router
	if gin.Mode() == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	router.Use(func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		if ctx.Request.Method == "OPTIONS" {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	})

	// Health check and metrics
	router.GET("/health", handler.GetSystemHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api")
	{
		// Ingress
		api.POST("/telemetry", handler.PostTelemetry)
		api.POST("/readings/manual", handler.PostManualReading)
		api.POST("/calibration", handler.PostCalibration)
		api.POST("/gateways/:id/heartbeat", handler.PostGatewayHeartbeat)

		// Readings and events
		api.GET("/readings/latest", handler.GetLatestReadings)
		api.GET("/readings/processed", handler.GetProcessedReadings)
		api.GET("/events", handler.GetEvents)

		// Queue
		api.GET("/queue/stats", handler.GetQueueStats)
		api.GET("/queue/failed", handler.GetFailedJobs)

		// Connectivity status
		api.GET("/status", handler.GetStatusSummary)
		api.DELETE("/status", handler.ClearAllStatus)
		api.GET("/status/sensors", handler.GetSensorStatuses)
		api.GET("/status/sensors/:id", handler.GetSensorStatus)
		api.DELETE("/status/sensors/:id", handler.ClearSensorStatus)
		api.GET("/status/gateways", handler.GetGatewayStatuses)
		api.GET("/status/gateways/:id", handler.GetGatewayStatus)
		api.GET("/status/config", handler.GetStatusConfig)
		api.PUT("/status/config", handler.UpdateStatusConfig)
	}

	// WebSocket endpoint
	router.GET("/ws", handler.WebSocketEndpoint)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("http server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			log.Warn("kafka consumer stop failed", "error", err)
		}
	}
	jobs.Stop()
	cancel()

	log.Info("server stopped")
}
