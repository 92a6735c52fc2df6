// Package target produces backup payloads for each configured kind and
// restores them.
package target

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
)

// Info identifies what a target backs up. Source is the name used in
// backup paths and history.
type Info struct {
	Kind     config.Kind
	Source   string
	Metadata map[string]interface{}
}

// PathSegment returns Source as a relative path fragment safe to embed in a
// backup path.
func (i Info) PathSegment() string {
	segment := strings.ReplaceAll(i.Source, ":", "")
	segment = strings.Trim(segment, "/")
	if segment == "" {
		return string(i.Kind)
	}
	return segment
}

// Extension returns the file extension used for this kind's backups
func (i Info) Extension() string {
	switch i.Kind {
	case config.KindDatabase:
		return ".sql.gz"
	case config.KindCSV:
		return ".csv"
	}
	return ""
}

// Target creates backup payloads
type Target interface {
	Info() Info
	CreateBackup(ctx context.Context) ([]byte, error)
}

// RestoreOptions controls where and how a payload is restored
type RestoreOptions struct {
	// Destination overrides the target's own location when set
	Destination string
	Overwrite   bool
}

// RestoreResult describes a finished restore
type RestoreResult struct {
	Success     bool   `json:"success"`
	Destination string `json:"destination,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Restorer is implemented by targets that can put a payload back
type Restorer interface {
	Restore(ctx context.Context, data []byte, opts RestoreOptions) (RestoreResult, error)
}

// Options carries host level settings targets need
type Options struct {
	// DatabaseURL is the default connection for database targets whose
	// source is only a database name
	DatabaseURL     string
	PhotoStorageDir string
	ClientRoot      string
	PathMappings    []config.PathMapping
	Datasets        DatasetRegistry
	Runner          Runner
	Log             logrus.FieldLogger
}

func (o Options) runner() Runner {
	if o.Runner == nil {
		return ExecRunner{}
	}
	return o.Runner
}

// New builds the target for kind
func New(kind config.Kind, source string, metadata map[string]interface{}, opts Options) (Target, error) {
	opts.Log = logging.OrDiscard(opts.Log)

	switch kind {
	case config.KindDatabase:
		return newDatabaseTarget(source, metadata, opts)
	case config.KindCSV:
		return newCSVTarget(source, metadata, opts)
	case config.KindFile:
		return newFileTarget(kind, source, mapHostPath(source, opts.PathMappings), metadata, opts)
	case config.KindDirectory:
		return newDirectoryTarget(kind, source, mapHostPath(source, opts.PathMappings), metadata, opts)
	case config.KindImage:
		return newImageTarget(metadata, opts)
	case config.KindClientFile:
		path, err := resolveClientPath(opts.ClientRoot, source)
		if err != nil {
			return nil, err
		}
		return newFileTarget(kind, source, path, metadata, opts)
	case config.KindClientDirectory:
		path, err := resolveClientPath(opts.ClientRoot, source)
		if err != nil {
			return nil, err
		}
		return newDirectoryTarget(kind, source, path, metadata, opts)
	}
	return nil, config.Errorf("kind", "unknown target kind %q", kind)
}

// FromSpec builds the target of a configured TargetSpec
func FromSpec(spec config.TargetSpec, opts Options) (Target, error) {
	return New(spec.Kind, spec.Source, spec.Metadata, opts)
}

// DestructiveByDefault reports kinds whose restore replaces live state
func DestructiveByDefault(kind config.Kind) bool {
	return kind == config.KindDatabase
}

// IsDestructive reports whether restoring info needs a pre-restore backup
func IsDestructive(info Info) bool {
	if DestructiveByDefault(info.Kind) {
		return true
	}
	switch v := info.Metadata["destructiveRestore"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// mapHostPath rewrites a host path to its container location using the
// longest matching mapping.
func mapHostPath(source string, mappings []config.PathMapping) string {
	best := -1
	mapped := source
	for _, m := range mappings {
		host := strings.TrimRight(m.HostPath, "/")
		if host == "" {
			continue
		}
		if source == host || strings.HasPrefix(source, host+"/") {
			if len(host) > best {
				best = len(host)
				mapped = strings.TrimRight(m.ContainerPath, "/") + source[len(host):]
			}
		}
	}
	return mapped
}

func cloneMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
