package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openbio/exphub/internal/api/handlers"
	"github.com/openbio/exphub/internal/api/middleware"
	"github.com/openbio/exphub/internal/archive"
	"github.com/openbio/exphub/internal/config"
	"github.com/openbio/exphub/internal/core"
	"github.com/openbio/exphub/internal/db"
	"github.com/openbio/exphub/internal/sandbox"
	"github.com/openbio/exphub/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	queue := core.NewQueue(database, core.QueueOptions{
		MaxPerSubmitter: cfg.Queue.MaxPerSubmitter,
		Retention:       cfg.Queue.Retention,
	})

	experiments, order, err := database.Load()
	if err != nil {
		log.Printf("failed to load persisted queue, starting empty: %v", err)
		experiments, order = nil, nil
	} else {
		log.Printf("loaded %d experiment(s) from database", len(experiments))
	}
	queue.Restore(experiments, order)

	sender := webhook.NewSender(cfg.Webhooks)
	sender.Start()
	queue.SetNotifier(sender)

	runner, err := sandbox.New(sandbox.Config{
		Image:       cfg.Sandbox.Image,
		DataDir:     cfg.Sandbox.DataDir,
		HostDataDir: cfg.Sandbox.HostDataDir,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		CPUs:        cfg.Sandbox.CPUs,
	})
	if err != nil {
		log.Fatalf("failed to initialize sandbox backend: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := runner.Ping(pingCtx); err != nil {
		log.Printf("warning: docker daemon unreachable, experiments will fail until it is: %v", err)
	}
	pingCancel()

	worker := core.NewWorker(queue, runner, core.WorkerOptions{
		PollInterval: cfg.Queue.PollInterval,
		ErrorBackoff: cfg.Queue.ErrorBackoff,
		MaxRunTime:   cfg.Queue.MaxRunTime,
		StopGrace:    cfg.Sandbox.StopGrace,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)

	artifacts := archive.NewManager(cfg.Sandbox.DataDir)
	artifacts.StartRetention(queue, cfg.Queue.SweepInterval)

	sessions, err := middleware.NewSessions(database)
	if err != nil {
		log.Fatalf("failed to initialize sessions: %v", err)
	}
	admin, err := middleware.NewAdmin(database)
	if err != nil {
		log.Fatalf("failed to initialize admin auth: %v", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	expHandler := handlers.NewExperimentHandler(queue, worker, artifacts)
	healthHandler := handlers.NewHealthHandler(queue, runner)

	api := router.Group("/api")
	api.Use(sessions.Middleware())
	expHandler.RegisterRoutes(api, admin)

	auth := api.Group("/auth")
	auth.POST("/setup", admin.SetupHandler)
	auth.POST("/login", admin.LoginHandler)
	auth.POST("/logout", admin.LogoutHandler)
	auth.GET("/status", admin.StatusHandler)

	healthHandler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("exphub listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	worker.Stop(10 * time.Second)
	artifacts.StopRetention(5 * time.Second)
	sender.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	log.Printf("shutdown complete")
}
