package main

import (
	"log"
	"os"

	"github.com/seantiz/tremor/internal/api"
	"github.com/seantiz/tremor/internal/calc"
	"github.com/seantiz/tremor/internal/callback"
	"github.com/seantiz/tremor/internal/config"
	"github.com/seantiz/tremor/internal/engine"
	"github.com/seantiz/tremor/internal/export"
	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/status"
	"github.com/seantiz/tremor/internal/store"
	"github.com/seantiz/tremor/internal/workspace"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("tremor: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	calcs := calc.NewRegistry()
	dryRun := calc.DryRun{Delay: cfg.DryRunDelay}
	calcs.Register(model.JobTypeHazard, dryRun)
	calcs.Register(model.JobTypeRisk, dryRun)

	eng := engine.NewEngine(engine.Config{
		Workers:                cfg.Workers,
		QueueSize:              cfg.QueueSize,
		JobTimeout:             cfg.JobTimeout,
		LogLevel:               cfg.JobLogLevel,
		CallbackOnNoCandidates: cfg.CallbackOnNoCandidates,
	}, engine.Deps{
		Store:    db,
		Stager:   workspace.NewStager(cfg.WorkDir, workspace.ArchiveReader{
			MaxExtracted: cfg.MaxExtractedBytes,
			MaxMembers:   cfg.MaxArchiveMembers,
		}),
		Loader:   calc.NewINILoader(db),
		Registry: calcs,
		Notifier: callback.NewNotifier(callback.Config{
			Timeout:    cfg.CallbackTimeout,
			RetryLimit: cfg.CallbackRetries,
		}),
		Logger: logger,
	})

	exporters := export.NewRegistry()
	export.RegisterJobParams(exporters)

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Engine:  eng,
		Reader:  status.NewReader(db, exporters),
		Exports: export.NewNegotiator(db, exporters, cfg.WorkDir, logger),
		Logger:  logger,
	}, api.Options{
		OwnerHeader:    cfg.OwnerHeader,
		DefaultOwner:   cfg.DefaultOwner,
		WorkDir:        cfg.WorkDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    cfg.CORSOrigins,
		Version:        version,
	})

	runErr := srv.Run()
	if err := eng.Close(); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
