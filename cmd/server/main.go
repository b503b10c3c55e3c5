package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-session/internal/classifier"
	"github.com/Brownie44l1/fer-session/internal/config"
	"github.com/Brownie44l1/fer-session/internal/handlers"
	"github.com/Brownie44l1/fer-session/internal/logging"
	"github.com/Brownie44l1/fer-session/internal/model"
	"github.com/Brownie44l1/fer-session/internal/presenter"
	"github.com/Brownie44l1/fer-session/internal/session"
)

func enableCORS(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")

	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusOK)
		return
	}
	c.Next()
}

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("loading model", zap.String("model", cfg.Model.ModelPath), zap.String("metadata", cfg.Model.MetadataPath))
	engine, err := classifier.Initialize(
		model.Loader(cfg.Model.ModelPath, cfg.Model.MetadataPath, cfg.Model.ORTLibraryPath, logger),
		logger,
	)
	if err != nil {
		logger.Fatal("failed to load emotion model", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := presenter.NewLoop(cfg.Session.UpdateQueueSize, logger)
	go loop.Run(ctx)

	registry := handlers.NewRegistry(func() *session.Controller {
		return session.NewController(engine, loop, logger,
			session.WithImageSize(cfg.Session.ImageSize),
			session.WithDropSuperseded(cfg.Session.DropSuperseded),
		)
	}, cfg.Session.IdleTTL)
	go registry.RunJanitor(ctx, time.Minute, logger.Named("sessions"))

	router := gin.New()
	router.Use(gin.Recovery(), enableCORS)
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	handlers.NewHandler(engine, registry, logger, cfg.Server.MaxUploadBytes).RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.Int("image_size", cfg.Session.ImageSize),
			zap.Bool("drop_superseded", cfg.Session.DropSuperseded),
		)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
		}
	}

	if err := engine.Close(); err != nil {
		logger.Error("failed to release model", zap.Error(err))
	}
	loop.Stop()
	<-loop.Done()
}
