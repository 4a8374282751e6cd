package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/codeconnect/live/backend/internal/api"
	"github.com/codeconnect/live/backend/internal/config"
	"github.com/codeconnect/live/backend/internal/exec"
	"github.com/codeconnect/live/backend/internal/reaper"
	"github.com/codeconnect/live/backend/internal/store"
	"github.com/codeconnect/live/backend/internal/stream"
	syncengine "github.com/codeconnect/live/backend/internal/sync"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to TOML config file")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	st, err := store.Open()
	if err != nil {
		log.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	engine := syncengine.New(st, cfg.Languages)
	mux := stream.New(st, cfg.DocumentStreamInterval, cfg.ParticipantStreamInterval, log)

	reap := reaper.New(st, reaper.Config{
		Interval:         cfg.ReapInterval,
		NoParticipantTTL: cfg.NoParticipantTTL,
		InactiveTTL:      cfg.InactiveTTL,
	}, log)
	reap.Start()
	defer reap.Stop()

	runner := exec.NewLocalRunner(cfg.ExecutionTimeout)

	gin.SetMode(gin.ReleaseMode)
	handler := api.New(engine, mux, st, runner, cfg, log)

	server := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: handler.Router(),
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":      server.Addr,
			"languages": engine.Languages(),
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shut down")
		return
	}
	log.Info("Server exited gracefully")
}
