package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/callstate"
	"callbridge/internal/config"
	"callbridge/internal/events"
	"callbridge/internal/httpapi"
	"callbridge/internal/matchmaker"
	"callbridge/internal/monitoring"
	"callbridge/internal/queue"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local convenience only; deployed environments inject real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := callstate.Migrate(db); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Domain wiring: cache-backed queue + call state, durable write-behind,
	// leader-gated matchmaking.
	publisher := events.NewRedisPublisher(rdb, log, cfg.App.ClusterID)
	repo := callstate.NewRepository(db)

	persister := callstate.NewPersister(repo, rdb, logger.Component(log, "persister"), 0)
	persister.Start(rootCtx)

	state := callstate.NewSynchronizer(rdb, repo, persister, publisher,
		logger.Component(log, "callstate"), cfg.Call)
	state.Start(rootCtx)

	coord := queue.NewCoordinator(rdb, publisher,
		logger.Component(log, "queue"), cfg.Queue, cfg.App.ClusterID)
	coord.Start(rootCtx)

	mm := matchmaker.New(coord, state, publisher,
		logger.Component(log, "matchmaker"), cfg.Queue.MatchInterval)
	mm.Start(rootCtx)

	monitoring.NewMonitor(coord, state).Start(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:  authManager,
		Queue: coord,
		Calls: state,
		Audit: audit.NewService(audit.NewPostgresRepo(db), cfg.App.ClusterID),
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), db, rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "cluster_id", cfg.App.ClusterID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Let the write-behind worker flush buffered snapshots.
	persister.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
