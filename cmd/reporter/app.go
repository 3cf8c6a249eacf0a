package main

import (
	"fmt"
	"os"

	"github.com/hairizuan-noorazman/buygold-e2e/cumulative"
	"github.com/hairizuan-noorazman/buygold-e2e/history"
	"github.com/hairizuan-noorazman/buygold-e2e/internal/runid"
	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/reporting"
	"github.com/hairizuan-noorazman/buygold-e2e/resultindex"
	"github.com/hairizuan-noorazman/buygold-e2e/runmetrics"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
)

// app bundles the configured dependencies of one command invocation.
type app struct {
	cfg   *Config
	log   logger.Logger
	store storage.BlobStorage
}

func newApp() (*app, error) {
	cfg, err := LoadConfig(flagConfig, flagEnvFile)
	if err != nil {
		return nil, err
	}

	log := logger.NewLogrusLoggerWithOutput(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	store, err := storage.NewBlobStorage(cfg.Storage.Type, map[string]interface{}{
		"base_dir":       cfg.Report.Dir,
		"bucket":         cfg.Storage.S3Bucket,
		"region":         cfg.Storage.S3Region,
		"prefix":         cfg.Storage.S3Prefix,
		"presign_expiry": cfg.Storage.S3PresignExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &app{cfg: cfg, log: log, store: store}, nil
}

func (a *app) history() *history.Appender {
	return history.NewAppender(a.store, a.log)
}

func (a *app) cumulative() *cumulative.Writer {
	return cumulative.NewWriter(a.store, a.log)
}

// openIndex connects to the result index. The returned close function is never nil.
func (a *app) openIndex() (*resultindex.SQLStore, func(), error) {
	db, err := resultindex.Open(a.cfg.Index.Driver, a.cfg.Index.DSN)
	if err != nil {
		return nil, func() {}, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return resultindex.NewSQLStore(db, a.log), closeFn, nil
}

// coordinator builds a session coordinator with the optional index and metrics sinks.
func (a *app) coordinator() (*reporting.Coordinator, func(), error) {
	opts := []reporting.Option{
		reporting.WithProvider(runid.NewProvider(runid.WithLocation(runid.LoadLocation(a.cfg.Report.Timezone)))),
	}
	closeFn := func() {}

	if a.cfg.Index.Enabled {
		idx, closeIdx, err := a.openIndex()
		if err != nil {
			return nil, closeFn, err
		}
		opts = append(opts, reporting.WithIndexer(idx))
		closeFn = closeIdx
	}
	if a.cfg.Metrics.Enabled {
		opts = append(opts, reporting.WithSummaryExporter(runmetrics.NewExporter(a.store, a.log)))
	}

	return reporting.NewCoordinator(a.store, a.log, opts...), closeFn, nil
}
