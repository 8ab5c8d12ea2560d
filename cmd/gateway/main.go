package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentryhealth/voicegateway/internal/config"
	"github.com/sentryhealth/voicegateway/internal/identity"
	"github.com/sentryhealth/voicegateway/internal/transport/wsgateway"
	"github.com/sentryhealth/voicegateway/pkg/logging"
)

// This is the main entry point for the voice gateway server.
// Loads configuration, wires the identity verifier and WebSocket
// transport, and exposes the /ws/voice and /ws/stats endpoints.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.Debug)
	logger.Gateway("gateway.starting", map[string]any{"env": cfg.Env, "port": cfg.Port})

	verifier := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.AllowMockTokens, func(event string, data map[string]any) {
		logger.Gateway(event, data)
	})

	gw := wsgateway.New(cfg, logger, verifier)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	gw.RegisterRoutes(router)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	logger.Gateway("gateway.ready", nil)

	startServer(router, gw, logger, cfg.Port)
}

func startServer(router *gin.Engine, gw *wsgateway.Gateway, logger *logging.Logger, port int) {
	addr := ":" + strconv.Itoa(port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
	}

	go func() {
		logger.Gateway("gateway.listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Gateway("gateway.fatal_listen_error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Gateway("gateway.draining", nil)
	gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Gateway("gateway.forced_shutdown", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Gateway("gateway.shutdown_complete", nil)
}
