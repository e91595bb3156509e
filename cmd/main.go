/**
 * @description
 * Entry point for the kiosk-service. It loads configuration, connects the record
 * store, the optional Redis attempt backend and RabbitMQ, builds the hardware and
 * verification clients, starts the session machine and the lockout reconciler,
 * and serves the kiosk and admin API until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Optional attempt counter backend.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/cardreader, pkg/actuator, pkg/faceclient, pkg/rabbitmq: Gateway and broker clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/securegate/kiosk-service/internal/api"
	"github.com/securegate/kiosk-service/internal/app"
	"github.com/securegate/kiosk-service/internal/config"
	"github.com/securegate/kiosk-service/internal/store"
	"github.com/securegate/kiosk-service/pkg/actuator"
	"github.com/securegate/kiosk-service/pkg/cardreader"
	"github.com/securegate/kiosk-service/pkg/faceclient"
	"github.com/securegate/kiosk-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting kiosk-service\" port=%s kiosk_id=%s attempt_backend=%s", cfg.ServerPort, cfg.KioskID, cfg.AttemptBackend)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("kiosk_id", cfg.KioskID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)

	var counter app.AttemptCounter = repository
	if cfg.AttemptBackend == config.AttemptBackendRedis {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", err)
		}
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis ping failed; attempt counts will retry per call\" err=%v", pingErr)
		} else {
			log.Println("level=info component=bootstrap msg=\"redis connected\"")
		}
		cancelPing()
		defer redisClient.Close()
		counter = store.NewRedisAttemptStore(redisClient, cfg.RedisKeyPrefix)
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			publisher = producer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	} else {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; audit events will not be published\" env=RABBITMQ_URL")
	}
	defer publisher.Close()

	reader := cardreader.NewClient(cfg.HardwareAPIBaseURL, cfg.HardwareAPIKey)
	gateway := actuator.NewClient(cfg.ActuatorAPIBaseURL, cfg.ActuatorAPIKey)
	faces := faceclient.NewClient(cfg.VerifyAPIBaseURL)

	ledger := app.NewAttemptLedger(counter, repository, cfg.MaxAttempts, logger.With("component", "ledger"))
	frames := app.NewLiveFrameFeed()
	machine := app.NewSessionMachine(app.MachineDeps{
		Capture: app.NewIdentityCapture(reader, repository, cfg.CardPollInterval(), logger.With("component", "capture")),
		PIN:     app.NewCredentialChallenge(cfg.PinLength),
		Ledger:  ledger,
		Face: app.NewFaceVerifier(faces, app.FaceOptions{
			ModelName:        cfg.VerifyModelName,
			DetectorBackend:  cfg.VerifyDetectorBackend,
			DistanceMetric:   cfg.VerifyDistanceMetric,
			Align:            cfg.VerifyAlign,
			AntiSpoofing:     cfg.VerifyAntiSpoofing,
			EnforceDetection: cfg.VerifyEnforceDetection,
		}, logger.With("component", "face")),
		Frames:     frames,
		Activation: app.NewDeviceActivationCoordinator(gateway, repository, logger.With("component", "activation")),
		Devices:    repository,
		Audit:      app.NewAuditTrail(repository, publisher, cfg.KioskEventsExchange, cfg.KioskID, logger.With("component", "audit")),
	}, app.MachineConfig{
		StepDelay:         cfg.StepDelay(),
		SuccessCountdown:  cfg.SuccessCountdown(),
		FailureCountdown:  cfg.FailureCountdown(),
		LockedCountdown:   cfg.LockedCountdown(),
		FaceTickInterval:  cfg.FaceTickInterval(),
		LockoutWindow:     cfg.LockoutWindow(),
		ActivationTimeout: cfg.ActivationTimeout(),
	}, logger.With("component", "session"))

	reconciler := app.NewLockoutReconciler(ledger, cfg.LockoutReconcileSchedule, logger.With("component", "reconciler"))
	if err := reconciler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"lockout reconciler start failed\" err=%v", err)
	}

	admin := app.NewAdminService(repository, ledger, machine, logger.With("component", "admin"))
	handler := api.NewHandler(machine, frames, admin)
	router := api.NewRouter(handler, api.RouterConfig{
		KioskAPIKey:    cfg.KioskAPIKey,
		AdminJWKSURL:   cfg.AdminJWKSURL,
		AllowedOrigins: cfg.AllowedOrigins(),
	})
	if cfg.KioskAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"kiosk api key not set; kiosk routes are unauthenticated\" env=KIOSK_API_KEY")
	}

	machine.Start(ctx)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	machine.Stop()
	<-reconciler.Stop().Done()
	cancel()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
