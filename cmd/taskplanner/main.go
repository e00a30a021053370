package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskplanner/internal/api"
	"taskplanner/internal/config"
	"taskplanner/internal/dates"
	"taskplanner/internal/generator"
	"taskplanner/internal/planner"
	"taskplanner/internal/queue"
	"taskplanner/internal/scheduler"
	"taskplanner/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogger(cfg, os.Stdout)

	db, err := queue.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running plan jobs")
	}

	if cfg.Generator.APIKey == "" {
		log.Warn().Msgf("no generator API key; set %s to enable planning", config.EnvAPIKey)
	}
	loc := dates.Zone(cfg.TZOffsetMin)
	svc := planner.NewService(generator.NewClient(cfg.Generator), loc, cfg.HoursPerDay)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(repo, svc, cfg.Workers, cfg.Poll)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	recurring := scheduler.NewService(repo, cfg.CheckInterval, loc)
	go recurring.Start(ctx)

	// HTTP server
	handler := api.NewServer(svc, repo, api.Options{
		Location:    loc,
		HoursPerDay: cfg.HoursPerDay,
		MaxAttempts: cfg.MaxAttempts,
		Debug:       cfg.Debug,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	<-poolDone
}

func setupLogger(cfg config.Config, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogJSON {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}
