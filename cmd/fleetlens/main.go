package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/fleetlens/fleetlens/internal/api"
	"github.com/fleetlens/fleetlens/internal/cache"
	"github.com/fleetlens/fleetlens/internal/catalog"
	"github.com/fleetlens/fleetlens/internal/config"
	"github.com/fleetlens/fleetlens/internal/database"
	"github.com/fleetlens/fleetlens/internal/enrich"
	"github.com/fleetlens/fleetlens/internal/loader"
	"github.com/fleetlens/fleetlens/internal/logger"
	"github.com/fleetlens/fleetlens/internal/scheduler"
	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/fleetlens/fleetlens/internal/service"
	"github.com/fleetlens/fleetlens/internal/shutdown"
	"github.com/fleetlens/fleetlens/internal/store"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting FleetLens...")

	if err := ensureDataDirs(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directories")
	}

	coordinator := shutdown.New(
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
		logger.Get("shutdown"),
	)

	db, err := database.New(&database.Config{
		Path:           cfg.Database.Path,
		MaxConnections: cfg.Database.MaxConnections,
		MemoryLimit:    cfg.Database.MemoryLimit,
		ThreadCount:    cfg.Database.ThreadCount,
	}, logger.Get("database"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open DuckDB")
	}
	coordinator.RegisterCloser("database", shutdown.PriorityDatabase, db)

	cat, err := catalog.Open(cfg.Catalog.Path, logger.Get("catalog"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open catalog")
	}
	coordinator.RegisterCloser("catalog", shutdown.PriorityCatalog, cat)

	st := store.New(db, cat, cfg.Retention.KeepVersions, logger.Get("store"))
	for _, sch := range schema.Presets() {
		if err := st.Register(sch); err != nil {
			log.Fatal().Err(err).Str("dataset", sch.Name).Msg("Failed to register dataset")
		}
	}

	resultCache, err := cache.New(cfg.Cache.MaxEntries, logger.Get("cache"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create result cache")
	}

	ld := loader.New(st, cat, resultCache, cfg.Loader.MaxRowErrors, logger.Get("loader"))

	svc := service.New(st, resultCache, ld, aggregate.Options{
		MaxBuckets: cfg.Query.MaxBuckets,
		BatchSize:  cfg.Query.BatchSize,
	}, logger.Get("service"))

	var enrichClient *enrich.Client
	if cfg.Enrichment.Enabled {
		enrichClient = enrich.New(enrich.Config{
			Enabled:        true,
			Endpoint:       cfg.Enrichment.Endpoint,
			APIKey:         cfg.Enrichment.APIKey,
			Model:          cfg.Enrichment.Model,
			TimeoutSeconds: cfg.Enrichment.TimeoutSeconds,
			MaxTokens:      cfg.Enrichment.MaxTokens,
			Temperature:    cfg.Enrichment.Temperature,
		}, logger.Get("enrich"))
		log.Info().Str("endpoint", cfg.Enrichment.Endpoint).Msg("Enrichment enabled")
	}

	server := api.NewServer(&api.ServerConfig{
		Port:            cfg.Server.Port,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:     time.Duration(cfg.Server.IdleTimeout) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		BodyLimit:       cfg.Server.BodyLimitMB * 1024 * 1024,
	}, logger.Get("api"))
	api.NewHandlers(svc, cat, enrichClient, logger.Get("api")).Register(server)

	if cfg.Scheduler.Enabled {
		jobs := make([]scheduler.ReloadJob, 0, len(cfg.Scheduler.ReloadJobs))
		for _, spec := range cfg.Scheduler.ReloadJobs {
			job, err := scheduler.ParseReloadJob(spec)
			if err != nil {
				log.Fatal().Err(err).Msg("Invalid reload job")
			}
			jobs = append(jobs, job)
		}

		sched := scheduler.New(&scheduler.Config{
			Service:           svc,
			Store:             st,
			Jobs:              jobs,
			RetentionSchedule: cfg.Retention.Schedule,
			Logger:            logger.Get("scheduler"),
		})
		if err := sched.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}
		coordinator.Register("scheduler", shutdown.PriorityScheduler, func(context.Context) error {
			sched.Stop()
			return nil
		})
	}

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}
	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	coordinator.Register("http-server", shutdown.PriorityHTTPServer, func(context.Context) error {
		return server.Shutdown(shutdownTimeout)
	})

	log.Info().
		Int("port", cfg.Server.Port).
		Int("datasets", len(schema.Presets())).
		Msg("FleetLens ready")

	coordinator.WaitForSignal()
	if err := coordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
		os.Exit(1)
	}
}

// ensureDataDirs creates the parent directories for the database and
// catalog files.
func ensureDataDirs(cfg *config.Config) error {
	for _, path := range []string{cfg.Database.Path, cfg.Catalog.Path} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
	}
	return nil
}
