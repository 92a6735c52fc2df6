package imports

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/storage/factory"
	"github.com/supporttools/GoBackupGuard/pkg/target"
)

// Ingester stores a downloaded CSV file
type Ingester interface {
	Ingest(ctx context.Context, t config.CsvImportTarget, data []byte, replace bool) (int, error)
}

// DatasetIngester parses CSV files and imports them into named datasets
type DatasetIngester struct {
	Datasets target.DatasetRegistry
}

// Ingest imports data into the dataset named by t.Type
func (d DatasetIngester) Ingest(ctx context.Context, t config.CsvImportTarget, data []byte, replace bool) (int, error) {
	dataset, err := target.LookupDataset(d.Datasets, t.Type)
	if err != nil {
		return 0, err
	}
	header, rows, err := target.ParseCSV(data)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s csv", t.Type)
	}
	return dataset.Import(ctx, header, rows, replace)
}

// ProviderFunc builds the named provider. allowWait lets a rate limited
// provider sleep through its cooldown instead of deferring.
type ProviderFunc func(ctx context.Context, doc *config.Document, name string, allowWait bool) (storage.Provider, error)

// FactoryProviders builds providers with the storage factory
func FactoryProviders(deps factory.Deps) ProviderFunc {
	return func(ctx context.Context, doc *config.Document, name string, allowWait bool) (storage.Provider, error) {
		d := deps
		d.MailboxAllowWait = allowWait
		return factory.FromConfig(ctx, doc, name, d)
	}
}

// TargetResult is the outcome of one imported file
type TargetResult struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Rows   int    `json:"rows"`
}

// Summary is the outcome of an import run
type Summary struct {
	ScheduleID string         `json:"scheduleId"`
	Provider   string         `json:"provider"`
	Targets    []TargetResult `json:"targets"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// JobConfig wires a Job
type JobConfig struct {
	Providers ProviderFunc
	Ingester  Ingester
	Executor  *Executor
	// Sink persists tokens refreshed while downloading
	Sink storage.CredentialSink
	Log  logrus.FieldLogger
}

// Job runs CSV import schedules
type Job struct {
	providers ProviderFunc
	ingester  Ingester
	executor  *Executor
	sink      storage.CredentialSink
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewJob creates an import job runner
func NewJob(cfg JobConfig) *Job {
	log := logging.OrDiscard(cfg.Log)
	executor := cfg.Executor
	if executor == nil {
		executor = NewExecutor(log)
	}
	return &Job{
		providers: cfg.Providers,
		ingester:  cfg.Ingester,
		executor:  executor,
		sink:      cfg.Sink,
		log:       log,
		now:       time.Now,
	}
}

// ResolveProvider returns the schedule's provider, or the document's global
// one. Only cloudsync and mailbox can serve imports.
func ResolveProvider(doc *config.Document, sched config.CsvImportSchedule) (string, error) {
	name := sched.Provider
	if name == "" {
		name = doc.Storage.Provider
	}
	if name != config.ProviderCloudSync && name != config.ProviderMailbox {
		return "", config.Errorf("csvImports.provider",
			"csv import requires the %s or %s storage provider, but got: %s",
			config.ProviderCloudSync, config.ProviderMailbox, name)
	}
	return name, nil
}

// Run imports every target of sched. Scheduled runs retry per the
// schedule's retry config and defer on an active rate limit cooldown;
// manual runs make a single attempt that waits the cooldown out.
func (j *Job) Run(ctx context.Context, doc *config.Document, sched config.CsvImportSchedule, manual bool) (*Summary, error) {
	provider, err := ResolveProvider(doc, sched)
	if err != nil {
		return nil, err
	}
	if len(sched.Targets) == 0 {
		return nil, config.Errorf("csvImports.targets", "import %s has no targets", sched.ID)
	}

	log := j.log.WithFields(logrus.Fields{
		"import":   sched.ID,
		"provider": provider,
		"manual":   manual,
	})

	var summary *Summary
	attempt := func(ctx context.Context) error {
		s, err := j.attempt(ctx, doc, sched, provider, manual, log)
		switch {
		case err == nil:
			metrics.ImportAttempts.WithLabelValues(sched.ID, "success").Inc()
			summary = s
		case isDeferred(err):
			metrics.ImportAttempts.WithLabelValues(sched.ID, "deferred").Inc()
		default:
			metrics.ImportAttempts.WithLabelValues(sched.ID, "error").Inc()
		}
		return err
	}

	if manual {
		err = j.executor.SkipRetry(ctx, attempt)
	} else {
		err = j.executor.Run(ctx, sched.EffectiveRetry(), attempt)
	}
	if err != nil {
		log.WithError(err).Error("CSV import failed")
		return nil, err
	}
	log.WithField("targets", len(summary.Targets)).Info("CSV import completed")
	return summary, nil
}

func (j *Job) attempt(ctx context.Context, doc *config.Document, sched config.CsvImportSchedule, provider string, allowWait bool, log logrus.FieldLogger) (*Summary, error) {
	p, err := j.providers(ctx, doc, provider, allowWait)
	if err != nil {
		return nil, err
	}

	summary := &Summary{ScheduleID: sched.ID, Provider: provider, StartedAt: j.now()}
	for _, t := range sched.Targets {
		log.WithFields(logrus.Fields{"type": t.Type, "source": t.Source}).Info("Downloading CSV")
		data, err := p.Download(ctx, t.Source)
		if drainErr := storage.DrainCredentials(ctx, p, j.sink); drainErr != nil {
			log.WithError(drainErr).Warn("Failed to persist refreshed provider credentials")
		}
		if err != nil {
			if isDeferred(err) {
				return nil, err
			}
			return nil, errors.Wrapf(err, "failed to download %s csv", t.Type)
		}

		rows, err := j.ingester.Ingest(ctx, t, data, sched.ReplaceExisting)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to import %s csv", t.Type)
		}
		summary.Targets = append(summary.Targets, TargetResult{Type: t.Type, Source: t.Source, Rows: rows})
	}
	summary.FinishedAt = j.now()
	return summary, nil
}

func isDeferred(err error) bool {
	_, ok := ratelimit.AsDeferred(err)
	return ok
}
