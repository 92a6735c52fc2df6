package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/supporttools/GoBackupGuard/pkg/admin"
	"github.com/supporttools/GoBackupGuard/pkg/adminserver"
	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/configstore"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/imports"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
	"github.com/supporttools/GoBackupGuard/pkg/scheduler"
	"github.com/supporttools/GoBackupGuard/pkg/storage/factory"
	"github.com/supporttools/GoBackupGuard/pkg/target"
	"github.com/supporttools/GoBackupGuard/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	bootLog := logging.New(false)
	if err := config.LoadConfiguration(bootLog); err != nil {
		bootLog.WithError(err).Fatal("Failed to load configuration")
	}
	log := logging.New(config.CFG.Debug)
	log.WithField("version", version.Get().String()).Info("Starting GoBackupGuard")

	if err := config.ValidateConfig(); err != nil {
		log.WithError(err).Fatal("Configuration validation failed")
	}
	config.DisplayConfiguration(log)

	// Metadata database is optional. Without it history and rate limit
	// state live in memory and the config document only in its file.
	var db *gorm.DB
	if config.CFG.MetadataDB.Enabled {
		var err error
		db, err = metadata.Initialize(config.CFG.MetadataDB, config.CFG.Debug, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize metadata database")
		}
	}

	var (
		historyStore history.Store
		limitStore   ratelimit.StateStore
		versions     configstore.VersionStore
	)
	if db != nil {
		historyStore = metadata.NewHistoryRepository(db)
		limitStore = ratelimit.NewRepositoryStore(metadata.NewRateLimitRepository(db))
		versions = metadata.NewConfigRepository(db)
	} else {
		log.Warn("Metadata database disabled, history and rate limit state are kept in memory")
		historyStore = history.NewMemoryStore()
		limitStore = ratelimit.NewMemoryStore()
	}
	recorder := history.NewRecorder(historyStore, log)
	gate := ratelimit.NewGate(limitStore, ratelimit.MailboxStateID, config.ProviderMailbox, log)
	store := configstore.New(versions, config.CFG.DocumentFile, log)

	deps := factory.Deps{
		Log:          log,
		LocalBaseDir: config.CFG.StorageDir,
		Gate:         gate,
	}

	targets := target.Options{
		DatabaseURL:     config.CFG.Targets.DatabaseURL,
		PhotoStorageDir: config.CFG.Targets.PhotoStorageDir,
		ClientRoot:      config.CFG.Targets.ClientRoot,
		Log:             log,
	}
	if raw := config.CFG.Targets.DatasetDatabaseURL; raw != "" {
		datasetDB, err := target.OpenDatasetDB(raw)
		if err != nil {
			log.WithError(err).Fatal("Failed to open dataset database")
		}
		targets.Datasets = target.DefaultDatasets(datasetDB)
	} else {
		log.Warn("DATASET_DATABASE_URL is not set, csv targets and imports are unavailable")
	}

	manager := backup.NewManager(backup.ManagerConfig{
		Documents: store,
		Providers: backup.FactoryProviders(deps),
		History:   recorder,
		Sink:      store,
		Targets:   targets,
		Log:       log,
	})
	job := imports.NewJob(imports.JobConfig{
		Providers: imports.FactoryProviders(deps),
		Ingester:  imports.DatasetIngester{Datasets: targets.Datasets},
		Executor:  imports.NewExecutor(log),
		Sink:      store,
		Log:       log,
	})

	loc, err := scheduler.LoadLocation(config.CFG.CronTimezone)
	if err != nil {
		log.WithError(err).Fatal("Invalid cron timezone")
	}
	sched := scheduler.New(scheduler.Config{
		Backups:              manager,
		Imports:              job,
		History:              recorder,
		HistoryRetentionDays: config.CFG.HistoryRetentionDays,
		Location:             loc,
		Log:                  log,
	})
	if err := sched.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("Failed to start scheduler")
	}

	go metrics.StartMetricsServer(config.CFG.Metrics.Port, log)

	var adminSrv *adminserver.Server
	if config.CFG.Admin.Enabled {
		ops := admin.New(admin.Config{
			Store:     store,
			Scheduler: sched,
			Backups:   manager,
			History:   recorder,
			Log:       log,
		})
		adminSrv = adminserver.NewServer(ops, log)
		adminSrv.Start(config.CFG.Admin.Port)
	}

	waitForShutdown(log, sched, adminSrv, db)
}

// waitForShutdown blocks until SIGINT or SIGTERM, then stops the scheduler
// and the admin server and closes the metadata database.
func waitForShutdown(log logrus.FieldLogger, sched *scheduler.Scheduler, adminSrv *adminserver.Server, db *gorm.DB) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	log.Info("GoBackupGuard is running")
	sig := <-c
	log.WithField("signal", sig.String()).Info("Shutting down")

	sched.Stop()

	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adminSrv.Stop(ctx); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Error shutting down admin server")
		}
	}

	if db != nil {
		if err := metadata.Close(db); err != nil {
			log.WithError(err).Error("Error closing metadata database")
		}
	}
}
