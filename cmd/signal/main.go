package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	httphandlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/backup"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/monitoring"
	"huddle/internal/infrastructure/repositories"
	wsignal "huddle/internal/infrastructure/signal"
	pkgbackup "huddle/pkg/backup"
	"huddle/pkg/config"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const roomsCacheTTL = time.Second

func main() {
	configPath := pflag.StringP("config", "c", "configs/huddle.yaml", "path to the relay configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zl := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	log := zl.Sugar()

	if err := run(cfg, zl); err != nil {
		log.Fatalw("relay stopped", "error", err)
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	log := zl.Sugar()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	repos := repositories.NewRepositoryFactory(cfg, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := repos.Close(closeCtx); err != nil {
			log.Warnw("failed to close repositories", "error", err)
		}
	}()
	participants := repos.CreateParticipantRepository()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	var metrics wsignal.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(registry)
	}

	var remote wsignal.Remote
	if client := repos.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		remote = distributed.NewRouter(client, cfg.Redis.Channel, instanceID, log)
		log.Infow("cross-instance routing enabled", "instance_id", instanceID)
	}
	hub := wsignal.NewHub(remote, metrics, log)

	rooms := services.NewRoomService(participants, hub, repos.CreateCoordinator(), services.RoomConfig{
		DefaultUsername:   cfg.Rooms.DefaultUsername,
		MaxUsernameLength: cfg.Rooms.MaxUsernameLength,
		MaxRoomIDLength:   cfg.Rooms.MaxRoomIDLength,
		HeartbeatTimeout:  cfg.Signal.HeartbeatTimeout,
		ResumeGrace:       cfg.Signal.ResumeGrace,
	}, log)

	snapshotsDone, err := startSnapshots(ctx, cfg, repos, participants, log)
	if err != nil {
		return err
	}

	var tokens ports.TokenService
	if cfg.Signal.ResumeGrace > 0 {
		tokens = services.NewTokenService(cfg.Signal.ResumeSecret, cfg.Signal.ResumeGrace+cfg.Signal.HeartbeatTimeout, nil)
	}

	serverCfg := wsignal.ServerConfig{
		HeartbeatInterval: cfg.Signal.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Signal.HeartbeatTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		ResumeGrace:       cfg.Signal.ResumeGrace,
		SendBuffer:        cfg.Signal.SendBuffer,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	ws := wsignal.NewWebSocketServer(rooms, tokens, hub, serverCfg, metrics, log)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(participants, 15*time.Second, 3*time.Second)
	if client := repos.RedisClient(); client != nil {
		health.AddRedisCheck(client, 10*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	roomHandler := httphandlers.NewRoomHandler(rooms, roomsCacheTTL, cfg.Rooms.MaxRoomIDLength)
	defer roomHandler.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zl)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)
	router.GET(cfg.Signal.Path, gin.WrapF(ws.HandleWebSocket))
	router.GET("/health", gin.WrapF(ws.HealthCheck))
	router.GET("/ready", func(c *gin.Context) {
		status := health.Status()
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	api := router.Group("")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	roomHandler.SetupRoutes(api)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	go ws.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Infow("huddle relay listening", "address", cfg.Server.Address, "path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// closes every socket and releases this instance's presence keys
	ws.Shutdown(shutdownCtx)
	err = srv.Shutdown(shutdownCtx)
	if snapshotsDone != nil {
		<-snapshotsDone
	}
	return err
}

// startSnapshots restores a standalone registry and keeps snapshotting it.
// The returned channel closes after the final snapshot.
func startSnapshots(ctx context.Context, cfg *config.Config, repos *repositories.RepositoryFactory, participants ports.ParticipantRepository, log *zap.SugaredLogger) (<-chan struct{}, error) {
	if !cfg.Snapshots.Enabled || repos.RedisClient() != nil {
		return nil, nil
	}
	storage, err := pkgbackup.NewFileStorage(cfg.Snapshots.Directory)
	if err != nil {
		return nil, err
	}
	snapshotter := backup.NewSnapshotter(pkgbackup.NewStore(storage, "registry"), participants, backup.Config{
		Interval: cfg.Snapshots.Interval,
		Keep:     cfg.Snapshots.Keep,
		MaxAge:   cfg.Signal.ResumeGrace,
	}, log)

	if _, err := snapshotter.Restore(ctx); err != nil {
		log.Warnw("failed to restore registry snapshot", "error", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		snapshotter.Run(ctx)
	}()
	return done, nil
}
