package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/auth"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/config"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/groups"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/handlers"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keys"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/maintenance"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/presence"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/ratelimit"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/relay"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/signaling"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/storage"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/transparency"
	"github.com/sirupsen/logrus"
)

func setupLogging(cfg *config.Config) {
	if cfg.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func loadSigner(cfg *config.Config) (*transparency.Signer, error) {
	if cfg.TransparencySigningKey != "" {
		return transparency.LoadSigner(cfg.TransparencySigningKey)
	}
	logrus.Warn("TRANSPARENCY_SIGNING_KEY not set, using an ephemeral key; tree heads will not verify after restart")
	return transparency.GenerateSigner()
}

func main() {
	cfg := config.LoadConfig()
	setupLogging(cfg)
	log := logrus.WithFields(logrus.Fields{"component": "server", "node": cfg.NodeID})

	log.Info("Starting MyNetRunner relay...")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize database
	database, err := db.NewDB(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Large payloads spill to S3 when an endpoint is configured.
	var objects relay.ObjectStore
	store, err := storage.NewService(ctx, cfg.S3)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Info("S3_ENDPOINT not set, relay payloads stay inline")
	case err != nil:
		log.Warnf("Failed to initialize storage: %v (payloads stay inline)", err)
	default:
		objects = store
		log.Infof("Spilling payloads over %d bytes to S3", cfg.RelaySpillThreshold)
	}

	// Initialize services
	authService := auth.NewService(database, cfg.SessionTTL)
	keyService := keys.NewService(database, authService)
	groupService := groups.NewService(database)

	signer, err := loadSigner(cfg)
	if err != nil {
		log.Fatalf("Failed to load transparency signing key: %v", err)
	}
	log.Infof("Key directory signing key %s", signer.Fingerprint())

	hub := signaling.NewHub()
	broker := presence.NewBroker(database.Redis, cfg.NodeID, hub)

	relayStore := relay.NewStore(database, broker, objects, relay.Config{
		DefaultTTL:     cfg.RelayDefaultTTL,
		MaxTTL:         cfg.RelayMaxTTL,
		SpillThreshold: cfg.RelaySpillThreshold,
	})
	broker.Undelivered = func(ctx context.Context, blob *relay.Blob) {
		if err := relayStore.Requeue(ctx, blob); err != nil {
			log.Errorf("Failed to requeue forwarded blob: %v", err)
		}
	}

	replenisher := maintenance.NewReplenisher(keyService, broker, cfg.PreKeyLowWater, cfg.PreKeyRecommended, cfg.ReplenishInterval)
	reaper := maintenance.NewReaper(relayStore, keyService, authService, cfg.ReapInterval, cfg.SweepInterval)

	h := handlers.New(handlers.Deps{
		DB:           database,
		Auth:         authService,
		Keys:         keyService,
		Relay:        relayStore,
		Groups:       groupService,
		Hub:          hub,
		Broker:       broker,
		Limiter:      ratelimit.NewLimiter(database.Redis),
		Replenisher:  replenisher,
		Transparency: transparency.NewService(database, signer),
	})

	// Background workers
	go reaper.Run(ctx)
	go replenisher.Run(ctx)
	if database.Redis != nil {
		go func() {
			if err := broker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Presence broker stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited gracefully")
}
