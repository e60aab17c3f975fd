package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/textcloud/config"
	"github.com/mossy-p/textcloud/internal/handlers"
	"github.com/mossy-p/textcloud/internal/redis"
	"github.com/mossy-p/textcloud/internal/registry"
	"github.com/mossy-p/textcloud/internal/turnserver"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Mirror rooms to Redis when configured
	var directory registry.Directory
	var lookup handlers.RoomLookup
	if cfg.Redis.Enabled() {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()

		dir := redis.NewRoomDirectory(client, logger)
		if err := dir.Reset(ctx); err != nil {
			log.Fatalf("Failed to reset room directory: %v", err)
		}
		directory, lookup = dir, dir
		g.Go(func() error {
			dir.Run(ctx)
			return nil
		})
		log.Println("Redis room directory enabled")
	}

	ice := handlers.ICEOptions{STUNServers: cfg.STUNServers}
	if cfg.TURN.Enabled {
		relay, err := turnserver.Start(cfg.TURN, logger)
		if err != nil {
			log.Fatalf("Failed to start TURN server: %v", err)
		}
		defer relay.Close()
		ice.TURNEnabled = true
		ice.TURNHost = relay.RelayIP().String()
		ice.TURNPort = cfg.TURN.Port
		ice.TURNUsername = cfg.TURN.Username
		ice.TURNPassword = cfg.TURN.Password
	}

	reg := registry.New(registry.Config{
		StaleTimeout:     cfg.Signaling.StaleConnectionTimeout,
		RecoveryAttempts: cfg.Signaling.RecoveryAttempts,
		RecoveryDelay:    cfg.Signaling.RecoveryDelay,
		DefaultMaxUsers:  cfg.Rooms.MaxUsers,
		DefaultMaxTexts:  cfg.Rooms.MaxTexts,
		EmptyRoomTTL:     registry.DefaultConfig().EmptyRoomTTL,
	}, directory, logger)

	h := handlers.New(reg, lookup, handlers.Options{
		JWTSecret:    cfg.JWTSecret,
		PingInterval: cfg.Signaling.PingInterval,
		IdleTimeout:  cfg.Signaling.IdleTimeout,
		ICE:          ice,
	}, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))
	h.Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	g.Go(func() error {
		log.Printf("Starting signaling server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reg.Run(ctx, cfg.Signaling.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down signaling server")
		h.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error: ", err)
	}
}
