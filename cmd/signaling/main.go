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
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/logging"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/relay"
	"github.com/mossy-p/call-signaling/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logging.Setup(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is only dialed when something needs it
	var client *goredis.Client
	if cfg.StoreBackend == "redis" || cfg.RelayBus == "redis" {
		var err error
		client, err = redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("redis unavailable")
		}
		defer client.Close()
	}

	var st store.Store
	switch cfg.StoreBackend {
	case "redis":
		st = store.NewRedis(client)
	case "memory":
		st = store.NewMemory()
	default:
		log.Fatal().Str("backend", cfg.StoreBackend).Msg("unknown STORE_BACKEND")
	}

	var bus relay.Bus
	switch cfg.RelayBus {
	case "redis":
		bus = relay.NewRedisBus(client)
	case "local":
		bus = relay.NewLocalBus(1024)
	default:
		log.Fatal().Str("bus", cfg.RelayBus).Msg("unknown RELAY_BUS")
	}

	hub := relay.NewHub(bus, st, relay.Options{
		RatePerSecond: cfg.SignalRatePerSecond,
		Burst:         cfg.SignalRateBurst,
	})
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("relay bus stopped")
			stop()
		}
	}()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.Register(ctx, router, handlers.Deps{
		Store:          st,
		Hub:            hub,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Str("bus", cfg.RelayBus).Msg("starting call signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("server stopped")
}
