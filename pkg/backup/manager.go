package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/storage/factory"
	"github.com/supporttools/GoBackupGuard/pkg/target"
)

// DocumentSource returns the current backup configuration
type DocumentSource interface {
	Load(ctx context.Context) (*config.Document, error)
}

// ProviderFunc builds the named provider for doc. An empty name selects the
// document's global provider.
type ProviderFunc func(ctx context.Context, doc *config.Document, name string) (storage.Provider, error)

// FactoryProviders builds providers through the storage factory
func FactoryProviders(deps factory.Deps) ProviderFunc {
	return func(ctx context.Context, doc *config.Document, name string) (storage.Provider, error) {
		return factory.FromConfig(ctx, doc, name, deps)
	}
}

// ProviderResult is the outcome of one provider in a multi-provider backup
type ProviderResult struct {
	Provider  string `json:"provider"`
	Success   bool   `json:"success"`
	Path      string `json:"path,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunReport is returned by RunTarget
type RunReport struct {
	Target  config.TargetSpec `json:"-"`
	Source  string            `json:"source"`
	Kind    config.Kind       `json:"kind"`
	Results []ProviderResult  `json:"results"`
}

// Succeeded reports whether at least one provider succeeded
func (r RunReport) Succeeded() bool {
	return anySucceeded(r.Results)
}

func anySucceeded(results []ProviderResult) bool {
	for _, res := range results {
		if res.Success {
			return true
		}
	}
	return false
}

// ManagerConfig carries Manager's collaborators
type ManagerConfig struct {
	Documents DocumentSource
	Providers ProviderFunc
	History   *history.Recorder
	Sink      storage.CredentialSink
	Targets   target.Options
	Log       logrus.FieldLogger
}

// Manager runs configured targets across their providers and applies
// retention afterwards.
type Manager struct {
	docs      DocumentSource
	providers ProviderFunc
	history   *history.Recorder
	sink      storage.CredentialSink
	targets   target.Options
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewManager creates a Manager
func NewManager(cfg ManagerConfig) *Manager {
	log := logging.OrDiscard(cfg.Log)
	rec := cfg.History
	if rec == nil {
		rec = history.NewRecorder(nil, log)
	}
	providers := cfg.Providers
	if providers == nil {
		providers = FactoryProviders(factory.Deps{Log: log})
	}
	return &Manager{
		docs:      cfg.Documents,
		providers: providers,
		history:   rec,
		sink:      cfg.Sink,
		targets:   cfg.Targets,
		log:       log,
		now:       time.Now,
	}
}

// History returns the recorder used for every attempt
func (m *Manager) History() *history.Recorder { return m.history }

// Document loads the current configuration
func (m *Manager) Document(ctx context.Context) (*config.Document, error) {
	if m.docs == nil {
		return config.DefaultDocument(), nil
	}
	return m.docs.Load(ctx)
}

// Service returns a Service over the named provider, or the global one
func (m *Manager) Service(ctx context.Context, doc *config.Document, provider string) (*Service, error) {
	p, err := m.providers(ctx, doc, provider)
	if err != nil {
		return nil, err
	}
	return NewService(p, m.history, m.sink, m.log), nil
}

// Target builds the target for spec with the document's path mappings
func (m *Manager) Target(doc *config.Document, kind config.Kind, source string, meta map[string]interface{}) (target.Target, error) {
	opts := m.targets
	opts.PathMappings = append(append([]config.PathMapping(nil), opts.PathMappings...), doc.PathMappings...)
	if opts.Log == nil {
		opts.Log = m.log
	}
	return target.New(kind, source, meta, opts)
}

// ResolveProviders returns the provider names spec writes to, deduplicated
func ResolveProviders(doc *config.Document, spec config.TargetSpec) []string {
	def := doc.Storage.Provider
	if def == "" {
		def = config.ProviderLocal
	}
	seen := map[string]bool{}
	var names []string
	for _, name := range spec.ProviderNames(def) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// BackupAcrossProviders backs tgt up once per provider of spec. A provider
// that cannot be built or fails is reported in its result and the rest
// still run.
func (m *Manager) BackupAcrossProviders(ctx context.Context, doc *config.Document, spec config.TargetSpec, tgt target.Target, label string) []ProviderResult {
	names := ResolveProviders(doc, spec)
	results := make([]ProviderResult, 0, len(names))

	for _, name := range names {
		svc, err := m.Service(ctx, doc, name)
		if err != nil {
			m.log.WithError(err).WithField("provider", name).Error("Failed to create storage provider")
			results = append(results, ProviderResult{Provider: name, Error: err.Error()})
			continue
		}

		res, err := svc.Backup(ctx, tgt, Options{Label: label})
		if err != nil {
			results = append(results, ProviderResult{Provider: name, Error: err.Error()})
			continue
		}
		results = append(results, ProviderResult{
			Provider:  name,
			Success:   true,
			Path:      res.Path,
			SizeBytes: res.SizeBytes,
			Hash:      res.Hash,
		})
	}
	return results
}

// RunTarget backs up spec across its providers and then applies retention
// on the first provider that succeeded. Retention failures are logged only.
func (m *Manager) RunTarget(ctx context.Context, doc *config.Document, spec config.TargetSpec) (*RunReport, error) {
	tgt, err := m.Target(doc, spec.Kind, spec.Source, spec.Metadata)
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		Target:  spec,
		Kind:    spec.Kind,
		Source:  tgt.Info().Source,
		Results: m.BackupAcrossProviders(ctx, doc, spec, tgt, spec.Label()),
	}

	policy := doc.RetentionFor(spec)
	if policy.Empty() {
		return report, nil
	}
	for _, res := range report.Results {
		if !res.Success {
			continue
		}
		svc, err := m.Service(ctx, doc, res.Provider)
		if err != nil {
			m.log.WithError(err).Warn("Skipping retention, provider unavailable")
			break
		}
		NewRetention(svc, m.history, m.log).Cleanup(ctx, tgt.Info(), *policy)
		break
	}
	return report, nil
}

// FindTarget returns the configured target whose kind matches and whose
// source or backup source name equals source.
func (m *Manager) FindTarget(doc *config.Document, kind config.Kind, source string) (config.TargetSpec, bool) {
	for _, spec := range doc.Targets {
		if spec.Kind != kind {
			continue
		}
		if spec.Source == source {
			return spec, true
		}
		if tgt, err := m.Target(doc, spec.Kind, spec.Source, spec.Metadata); err == nil && tgt.Info().Source == source {
			return spec, true
		}
	}
	return config.TargetSpec{}, false
}

// failureSummary joins per-provider errors for a single message
func failureSummary(results []ProviderResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", r.Provider, msg))
	}
	return strings.Join(parts, "; ")
}
