package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"campus-compute/internal/config"
	"campus-compute/internal/coordinator/api"
	"campus-compute/internal/coordinator/registry"
	"campus-compute/internal/coordinator/scheduler"
	"campus-compute/internal/coordinator/session"
	"campus-compute/internal/store"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := registry.New()
	sched := scheduler.New(db, reg, log, cfg.StallGrace)

	sessionSrv := session.New(cfg.CoordinatorAddr, db, reg, sched, log, cfg.MaxFrameBytes)
	apiSrv := api.NewServer(api.Config{
		Addr:          cfg.DashboardAddr,
		Store:         db,
		Registry:      reg,
		Scheduler:     sched,
		Logger:        log,
		AdminToken:    cfg.AdminToken,
		MaxCodeBytes:  cfg.MaxCodeBytes,
		StartingGrant: cfg.StartingGrant,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)
	go func() {
		if err := sessionSrv.ListenAndServe(ctx); err != nil {
			log.Error("session server stopped", "error", err)
			cancel()
		}
	}()
	go func() {
		if err := apiSrv.Run(ctx); err != nil {
			log.Error("api server stopped", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down coordinator", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()
}
