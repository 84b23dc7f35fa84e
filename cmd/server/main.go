package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/forge/internal/bus"
	"github.com/me/forge/internal/config"
	"github.com/me/forge/internal/logging"
	"github.com/me/forge/internal/scheduler"
	"github.com/me/forge/internal/server"
	"github.com/me/forge/internal/store"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.forge/forge.db)")
	flag.StringVar(&cfg.MasterPath, "master", cfg.MasterPath, "Master config YAML declaring the schedulers")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Resolve database path.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".forge")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		dbPath = filepath.Join(dir, "forge.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	b := bus.New(logger)

	// Load the master config and construct every scheduler it declares.
	// All problems, across all schedulers, are reported in one shot.
	schedulers := map[string]scheduler.Scheduler{}
	var started []*scheduler.Immediate
	if cfg.MasterPath != "" {
		mc, err := config.LoadMaster(cfg.MasterPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		errs := &config.Errors{}
		instances := make([]*scheduler.Immediate, 0, len(mc.Schedulers))
		for _, sc := range mc.Schedulers {
			instances = append(instances, scheduler.NewImmediate(sc, st, b, logger, errs))
		}
		if err := errs.OrNil(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		for _, inst := range instances {
			if err := inst.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "start scheduler %s: %v\n", inst.Name(), err)
				os.Exit(1)
			}
			schedulers[inst.Name()] = inst
			started = append(started, inst)
		}
		logger.Info("schedulers running", "title", mc.Title, "count", len(started))
	} else {
		logger.Warn("no master config given; no schedulers will run", "hint", "pass --master")
	}

	srv := server.New(cfg, st, b, logger, server.WithSchedulers(schedulers))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop schedulers before the HTTP server so no half-delivered
	// change is dropped mid-pipeline.
	for _, inst := range started {
		if err := inst.Stop(); err != nil {
			logger.Error("scheduler stop error", "scheduler", inst.Name(), "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
