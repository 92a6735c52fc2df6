// Package scheduler runs configured backups and CSV imports on their cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/imports"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
)

const (
	// HistoryPruneKey is the registry key of the history pruning job
	HistoryPruneKey = "history-prune"
	// HistoryPruneSchedule runs history pruning once a day
	HistoryPruneSchedule = "30 3 * * *"

	// DefaultDeferDelay is added to a cooldown before a deferred import reruns
	DefaultDeferDelay = 5 * time.Second
)

// BackupRunner runs one configured target. *backup.Manager implements it.
type BackupRunner interface {
	Document(ctx context.Context) (*config.Document, error)
	RunTarget(ctx context.Context, doc *config.Document, spec config.TargetSpec) (*backup.RunReport, error)
}

// ImportRunner runs one import schedule. *imports.Job implements it.
type ImportRunner interface {
	Run(ctx context.Context, doc *config.Document, sched config.CsvImportSchedule, manual bool) (*imports.Summary, error)
}

// HistoryPruner deletes old history. *history.Recorder implements it.
type HistoryPruner interface {
	Prune(ctx context.Context, days int) (int64, error)
}

// Config wires a Scheduler
type Config struct {
	Backups BackupRunner
	Imports ImportRunner
	History HistoryPruner
	// HistoryRetentionDays enables daily history pruning when positive
	HistoryRetentionDays int
	// Location is the timezone cron expressions are evaluated in
	Location *time.Location
	Log      logrus.FieldLogger
}

// AlreadyRunningError rejects a run while the same job is in flight
type AlreadyRunningError struct {
	Key string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s is already running", e.Key)
}

// Entry describes one registered job
type Entry struct {
	Key      string    `json:"key"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
}

type registered struct {
	id       cron.EntryID
	schedule string
	display  string
}

// Scheduler handles cron scheduling for backups, imports and history pruning
type Scheduler struct {
	cfg  Config
	cron *cron.Cron
	log  logrus.FieldLogger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	registry map[string]registered
	inFlight map[string]bool
	deferred map[string]*time.Timer

	deferDelay time.Duration
	afterFunc  func(d time.Duration, f func()) *time.Timer
	now        func() time.Time
}

// New creates a scheduler. Jobs are registered by Start.
func New(cfg Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		cfg:        cfg,
		cron:       cron.New(cron.WithLocation(loc)),
		log:        logging.OrDiscard(cfg.Log).WithField("component", "scheduler"),
		registry:   make(map[string]registered),
		inFlight:   make(map[string]bool),
		deferred:   make(map[string]*time.Timer),
		deferDelay: DefaultDeferDelay,
		afterFunc:  time.AfterFunc,
		now:        time.Now,
	}
}

// LoadLocation resolves a CRON_TIMEZONE value; "Local" and "" mean the
// process timezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, config.Errorf("cronTimezone", "unknown timezone %q: %v", name, err)
	}
	return loc, nil
}

// ValidateSchedule checks a five field cron expression
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return config.Errorf("schedule", "invalid cron expression %q: %v", expr, err)
	}
	return nil
}

// ImportKey is the registry key of an import schedule
func ImportKey(id string) string { return "import-" + id }

// Start registers every job from the current configuration and starts cron
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.log.Warn("Scheduler already running")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	s.mu.Unlock()

	if err := s.setupJobs(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.log.WithField("jobs", len(s.Entries())).Info("Backup scheduler started")
	return nil
}

// Stop removes every job, cancels deferred reruns and waits for running
// jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.removeJobsLocked()
	s.stopDeferredLocked()
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("Backup scheduler stopped")
}

// Reload removes all jobs and registers them again from the current
// configuration. Deferred import reruns survive unless their schedule was
// removed or disabled.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.log.Info("Reloading schedules")
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.removeJobsLocked()
	s.mu.Unlock()

	if err := s.setupJobs(ctx); err != nil {
		return fmt.Errorf("failed to reload schedules: %w", err)
	}

	s.mu.Lock()
	for key, t := range s.deferred {
		if _, ok := s.registry[key]; !ok {
			t.Stop()
			delete(s.deferred, key)
			s.log.WithField("job", key).Info("Dropped deferred rerun of removed import schedule")
		}
	}
	s.mu.Unlock()
	s.log.WithField("jobs", len(s.Entries())).Info("Successfully reloaded schedules")
	return nil
}

// Entries lists the registered jobs sorted by key
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.registry))
	for _, r := range s.registry {
		out = append(out, Entry{Key: r.display, Schedule: r.schedule, Next: s.cron.Entry(r.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Scheduler) removeJobsLocked() {
	for key, r := range s.registry {
		s.cron.Remove(r.id)
		delete(s.registry, key)
	}
}

func (s *Scheduler) stopDeferredLocked() {
	for key, t := range s.deferred {
		t.Stop()
		delete(s.deferred, key)
	}
}

func (s *Scheduler) setupJobs(ctx context.Context) error {
	doc, err := s.cfg.Backups.Document(ctx)
	if err != nil {
		return fmt.Errorf("failed to load backup configuration: %w", err)
	}

	for _, spec := range doc.Targets {
		if !spec.Enabled || spec.Schedule == "" {
			continue
		}
		spec := spec
		display := fmt.Sprintf("%s-%s", spec.Kind, config.RedactURL(spec.Source))
		s.add(spec.Key(), display, spec.Schedule, func() { s.fireTarget(spec) })
	}

	if s.cfg.Imports != nil {
		for _, sched := range doc.CsvImports {
			if !sched.Enabled || sched.Schedule == "" {
				continue
			}
			id := sched.ID
			s.add(ImportKey(id), ImportKey(id), sched.Schedule, func() { s.fireImport(id) })
		}
	}

	if s.cfg.History != nil && s.cfg.HistoryRetentionDays > 0 {
		s.add(HistoryPruneKey, HistoryPruneKey, HistoryPruneSchedule, s.pruneHistory)
	}
	return nil
}

// add registers fn under key. An invalid expression is logged and skipped.
func (s *Scheduler) add(key, display, schedule string, fn func()) {
	log := s.log.WithFields(logrus.Fields{"job": display, "schedule": schedule})

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.registry[key]; ok {
		s.cron.Remove(old.id)
	}
	id, err := s.cron.AddFunc(schedule, fn)
	if err != nil {
		log.WithError(err).Warn("Invalid cron expression, job not scheduled")
		return
	}
	s.registry[key] = registered{id: id, schedule: schedule, display: display}
	log.Info("Scheduled job registered")
}

// acquire marks key as running, reporting false when it already is
func (s *Scheduler) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) fireTarget(spec config.TargetSpec) {
	ctx := s.jobContext()
	log := s.log.WithFields(logrus.Fields{"kind": spec.Kind, "source": config.RedactURL(spec.Source)})

	// the schedule fired with the document it was registered from; run with
	// the current one so credentials refreshed since then are used
	doc, err := s.cfg.Backups.Document(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load backup configuration")
		return
	}
	if i := doc.FindTarget(spec.Kind, spec.Source); i >= 0 {
		spec = doc.Targets[i]
	}

	if _, err := s.RunTarget(ctx, doc, spec); err != nil {
		log.WithError(err).Error("Scheduled backup failed")
	}
}

// RunTarget runs spec unless the same target is already running
func (s *Scheduler) RunTarget(ctx context.Context, doc *config.Document, spec config.TargetSpec) (*backup.RunReport, error) {
	key := spec.Key()
	log := s.log.WithFields(logrus.Fields{"kind": spec.Kind, "source": config.RedactURL(spec.Source)})
	if !s.acquire(key) {
		log.Warn("Backup already running, skipping")
		return nil, &AlreadyRunningError{Key: fmt.Sprintf("%s-%s", spec.Kind, config.RedactURL(spec.Source))}
	}
	defer s.release(key)

	log.Info("Starting backup")
	report, err := s.cfg.Backups.RunTarget(ctx, doc, spec)
	if err != nil {
		return nil, err
	}
	if !report.Succeeded() {
		log.Error("Backup failed on every provider")
	} else {
		log.Info("Backup completed")
	}
	return report, nil
}

func (s *Scheduler) fireImport(id string) {
	ctx := s.jobContext()
	if _, err := s.RunImport(ctx, id, false); err != nil {
		if _, deferred := ratelimit.AsDeferred(err); !deferred {
			s.log.WithError(err).WithField("import", id).Error("Scheduled CSV import failed")
		}
	}
}

// RunImport runs the import schedule id. Manual runs make a single attempt;
// scheduled runs retry and, when rate limited, rerun once the cooldown ends.
func (s *Scheduler) RunImport(ctx context.Context, id string, manual bool) (*imports.Summary, error) {
	if s.cfg.Imports == nil {
		return nil, config.Errorf("csvImports", "csv imports are not configured")
	}
	doc, err := s.cfg.Backups.Document(ctx)
	if err != nil {
		return nil, err
	}
	sched, ok := doc.FindImport(id)
	if !ok {
		return nil, config.Errorf("csvImports", "csv import schedule not found: %s", id)
	}
	if !sched.Enabled {
		return nil, config.Errorf("csvImports", "csv import schedule is disabled: %s", id)
	}

	key := ImportKey(id)
	if !s.acquire(key) {
		s.log.WithField("import", id).Warn("Import already running, skipping")
		return nil, &AlreadyRunningError{Key: key}
	}
	defer s.release(key)

	summary, err := s.cfg.Imports.Run(ctx, doc, sched, manual)
	if deferred, ok := ratelimit.AsDeferred(err); ok && !manual {
		s.deferImport(id, deferred.CooldownUntil)
	}
	return summary, err
}

// deferImport schedules a one-shot rerun of import id after until
func (s *Scheduler) deferImport(id string, until time.Time) {
	wait := until.Sub(s.now()) + s.deferDelay
	if wait < s.deferDelay {
		wait = s.deferDelay
	}
	key := ImportKey(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if old, ok := s.deferred[key]; ok {
		old.Stop()
	}
	s.deferred[key] = s.afterFunc(wait, func() {
		s.mu.Lock()
		delete(s.deferred, key)
		s.mu.Unlock()
		s.fireImport(id)
	})
	s.log.WithFields(logrus.Fields{
		"import":        id,
		"cooldownUntil": until.UTC().Format(time.RFC3339),
		"rerunIn":       wait.String(),
	}).Warn("CSV import rate limited, rerun deferred")
}

func (s *Scheduler) pruneHistory() {
	ctx := s.jobContext()
	n, err := s.cfg.History.Prune(ctx, s.cfg.HistoryRetentionDays)
	if err != nil {
		s.log.WithError(err).Warn("Failed to prune backup history")
		return
	}
	if n > 0 {
		s.log.WithField("deleted", n).Info("Pruned backup history")
	}
}
