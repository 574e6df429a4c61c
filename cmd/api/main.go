package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/support-realtime/internal/api/http"
	"github.com/spec-kit/support-realtime/internal/api/http/handlers"
	"github.com/spec-kit/support-realtime/internal/api/ws"
	"github.com/spec-kit/support-realtime/internal/auth"
	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/events"
	"github.com/spec-kit/support-realtime/internal/observability"
	"github.com/spec-kit/support-realtime/internal/persistence"
	"github.com/spec-kit/support-realtime/internal/realtime"
	"github.com/spec-kit/support-realtime/internal/repository"
	"github.com/spec-kit/support-realtime/internal/service"
	"github.com/spec-kit/support-realtime/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing, cfg.App, logger)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	var store repository.TicketStore = repository.NewMemoryStore(nil)
	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		store = repository.NewPostgresStore(pg.PoolHandle())
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	var sendKeys repository.SendKeyStore = repository.NewMemorySendKeyStore(cfg.Redis.SendKeyTTL, nil)
	if redis.Enabled() {
		sendKeys = repository.NewRedisSendKeyStore(redis.Client, cfg.Redis.SendKeyTTL)
	}

	bus, err := persistence.NewNATS(cfg.NATS, logger)
	if err != nil {
		logger.Fatal("failed to connect nats", zap.Error(err))
	}
	defer bus.Close()

	eventsLogger := observability.Component(logger, observability.ComponentEvents)
	dispatcher := events.NewInMemoryDispatcher(eventsLogger)
	if bus.Enabled() {
		dispatcher = events.NewNATSDispatcher(dispatcher, bus.Conn, cfg.NATS.SubjectPrefix, eventsLogger)
	}
	queue := events.NewQueue(dispatcher, cfg.Notification.QueueSize, eventsLogger)
	// The notifier outlives ctx so events from sessions closing during
	// shutdown still go out.
	notifierCtx, stopNotifier := context.WithCancel(context.Background())
	defer stopNotifier()
	notifierDone := worker.StartNotificationWorker(notifierCtx, queue,
		service.NewNotificationService(queue, eventsLogger, cfg.Notification), eventsLogger)

	metrics := observability.NewMetrics()
	router := realtime.NewRouter(realtime.RouterDependencies{
		Store:    store,
		SendKeys: sendKeys,
		Events:   queue,
		Metrics:  metrics,
		Logger:   observability.Component(logger, observability.ComponentRouter),
	}, realtime.RouterOptions{
		TypingTTL:     cfg.Realtime.TypingTTL,
		HistoryOnJoin: cfg.Realtime.HistoryOnJoin,
	})
	sweeperDone := worker.StartPresenceSweeper(ctx, router.Presence(), cfg.Realtime.TypingTTL/4,
		observability.Component(logger, observability.ComponentPresence))

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(auth.NewJWTAuthenticator(tokens))

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: cfg.App.Env == "production",
	})
	httptransport.RegisterMiddlewares(app, observability.Component(logger, observability.ComponentHTTP), metrics, cfg.App.RequestTimeout())

	healthHandler := handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
		"postgres": pg,
		"redis":    redis,
		"nats":     bus,
	})

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         healthHandler,
		Realtime:       handlers.NewRealtimeHandler(router, store),
		WebSocket:      ws.NewHandler(ctx, router, cfg.Realtime, observability.Component(logger, observability.ComponentGateway)),
		Metrics:        metrics,
		AuthMiddleware: authMiddleware,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	<-sweeperDone
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stopNotifier()
	<-notifierDone
	tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tcancel()
	if err := shutdownTracer(tctx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
