// Package factory builds storage providers from the configuration document.
package factory

import (
	"context"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/storage/cloudsync"
	"github.com/supporttools/GoBackupGuard/pkg/storage/local"
	"github.com/supporttools/GoBackupGuard/pkg/storage/mailbox"
	"github.com/supporttools/GoBackupGuard/pkg/storage/s3"
)

// Deps carries the process wide collaborators providers may need
type Deps struct {
	Log logrus.FieldLogger
	// LocalBaseDir is used when options.basePath is unset for local storage
	LocalBaseDir string
	// Gate is shared by every mailbox client
	Gate *ratelimit.Gate
	// MailboxAllowWait makes mailbox calls sleep through a cooldown
	MailboxAllowWait bool
	HTTPClient       *http.Client
}

type constructor func(ctx context.Context, sc config.StorageConfig, deps Deps) (storage.Provider, error)

var registry = map[string]constructor{
	config.ProviderLocal: func(_ context.Context, sc config.StorageConfig, deps Deps) (storage.Provider, error) {
		base := sc.Option(config.ProviderLocal, "basePath")
		if base == "" {
			base = deps.LocalBaseDir
		}
		return local.NewClient(base)
	},
	config.ProviderCloudSync: func(_ context.Context, sc config.StorageConfig, deps Deps) (storage.Provider, error) {
		opts := cloudsync.OptionsFromConfig(sc)
		opts.HTTPClient = deps.HTTPClient
		return cloudsync.NewClient(opts, deps.Log)
	},
	config.ProviderMailbox: func(ctx context.Context, sc config.StorageConfig, deps Deps) (storage.Provider, error) {
		gate := deps.Gate
		if gate == nil {
			gate = ratelimit.NewGate(ratelimit.NewMemoryStore(), ratelimit.MailboxStateID, config.ProviderMailbox, deps.Log)
		}
		opts := mailbox.OptionsFromConfig(sc)
		opts.AllowWait = deps.MailboxAllowWait
		opts.HTTPClient = deps.HTTPClient
		return mailbox.NewClient(ctx, opts, gate, deps.Log)
	},
	config.ProviderS3: func(ctx context.Context, sc config.StorageConfig, deps Deps) (storage.Provider, error) {
		return s3.NewClient(ctx, s3.OptionsFromConfig(sc), deps.Log)
	},
}

// Names lists the registered provider names
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the provider called name from the storage options
func New(ctx context.Context, name string, sc config.StorageConfig, deps Deps) (storage.Provider, error) {
	build, ok := registry[name]
	if !ok {
		return nil, config.Errorf("storage.provider", "unknown storage provider %q", name)
	}
	deps.Log = logging.OrDiscard(deps.Log)
	return build(ctx, sc, deps)
}

// FromConfig builds the provider named by override, or the document's
// global provider when override is empty.
func FromConfig(ctx context.Context, doc *config.Document, override string, deps Deps) (storage.Provider, error) {
	name := override
	if name == "" {
		name = doc.Storage.Provider
	}
	if name == "" {
		name = config.ProviderLocal
	}
	return New(ctx, name, doc.Storage, deps)
}

// Resolve builds one provider per name, in order, skipping duplicates
func Resolve(ctx context.Context, doc *config.Document, names []string, deps Deps) ([]storage.Provider, error) {
	seen := make(map[string]bool, len(names))
	providers := make([]storage.Provider, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, err := FromConfig(ctx, doc, name, deps)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// ForTarget resolves the providers a target writes to
func ForTarget(ctx context.Context, doc *config.Document, target config.TargetSpec, deps Deps) ([]storage.Provider, error) {
	return Resolve(ctx, doc, target.ProviderNames(doc.Storage.Provider), deps)
}
