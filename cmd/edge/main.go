package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/teamcovey/worldflight-edge/internal/config"
	"github.com/teamcovey/worldflight-edge/internal/kvstore"
	"github.com/teamcovey/worldflight-edge/internal/logging"
	"github.com/teamcovey/worldflight-edge/internal/streamlabs"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := config.NewProvider(*configPath, cfg)
	if err := provider.Watch(ctx); err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}

	var store kvstore.Store
	if cfg.RedisURL != "" {
		redisStore, err := kvstore.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		defer redisStore.Close()
		store = redisStore
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.RequestLogger(), gin.Recovery())

	module := streamlabs.NewModule(provider, store)
	module.RegisterRoutes(engine)
	module.StartCleanup(ctx, time.Minute)

	// Everything that is not part of the API surface belongs to the static
	// site and is served as-is.
	if cfg.AssetDir != "" {
		fileServer := http.FileServer(http.Dir(cfg.AssetDir))
		engine.NoRoute(func(c *gin.Context) {
			fileServer.ServeHTTP(c.Writer, c.Request)
		})
	} else {
		engine.NoRoute(func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "assets_unavailable",
				"message": "no asset directory configured; set asset-dir or EDGE_ASSET_DIR",
			})
		})
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: engine}
	go func() {
		log.WithField("addr", cfg.Listen).Info("edge server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown did not complete cleanly")
	}
}
