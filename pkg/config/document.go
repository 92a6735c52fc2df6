package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies a backup target variant
type Kind string

// Supported target kinds
const (
	KindDatabase        Kind = "database"
	KindCSV             Kind = "csv"
	KindFile            Kind = "file"
	KindDirectory       Kind = "directory"
	KindImage           Kind = "image"
	KindClientFile      Kind = "client-file"
	KindClientDirectory Kind = "client-directory"
)

// Kinds lists every supported target kind
var Kinds = []Kind{
	KindDatabase, KindCSV, KindFile, KindDirectory, KindImage, KindClientFile, KindClientDirectory,
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Storage provider names
const (
	ProviderLocal     = "local"
	ProviderCloudSync = "cloudsync"
	ProviderMailbox   = "mailbox"
	ProviderS3        = "s3"
)

// Providers lists every supported storage provider name
var Providers = []string{ProviderLocal, ProviderCloudSync, ProviderMailbox, ProviderS3}

// ValidProvider reports whether name is a known provider
func ValidProvider(name string) bool {
	for _, known := range Providers {
		if name == known {
			return true
		}
	}
	return false
}

// RetentionPolicy controls age and count based cleanup
type RetentionPolicy struct {
	Days       int `json:"days,omitempty" yaml:"days,omitempty"`
	MaxBackups int `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
}

// Empty reports whether the policy would delete nothing
func (r *RetentionPolicy) Empty() bool {
	return r == nil || (r.Days <= 0 && r.MaxBackups <= 0)
}

// TargetStorage overrides the global provider for a single target
type TargetStorage struct {
	Provider  string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Providers []string `json:"providers,omitempty" yaml:"providers,omitempty"`
}

// TargetSpec describes one configured backup target
type TargetSpec struct {
	Kind      Kind                   `json:"kind" yaml:"kind"`
	Source    string                 `json:"source" yaml:"source"`
	Schedule  string                 `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Enabled   bool                   `json:"enabled" yaml:"enabled"`
	Storage   *TargetStorage         `json:"storage,omitempty" yaml:"storage,omitempty"`
	Retention *RetentionPolicy       `json:"retention,omitempty" yaml:"retention,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Key identifies the target inside the scheduler registry
func (t TargetSpec) Key() string {
	return fmt.Sprintf("%s-%s", t.Kind, t.Source)
}

// Label returns metadata.label when set
func (t TargetSpec) Label() string {
	if t.Metadata == nil {
		return ""
	}
	label, _ := t.Metadata["label"].(string)
	return label
}

// ProviderNames returns the providers this target writes to, falling back to def
func (t TargetSpec) ProviderNames(def string) []string {
	if t.Storage != nil {
		if len(t.Storage.Providers) > 0 {
			return t.Storage.Providers
		}
		if t.Storage.Provider != "" {
			return []string{t.Storage.Provider}
		}
	}
	return []string{def}
}

// StorageConfig is the global storage provider configuration
type StorageConfig struct {
	Provider string                 `json:"provider" yaml:"provider"`
	Options  map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}

// Option returns a provider option, preferring the per-provider namespace
// (options.<provider>.<key>) over the flat legacy key.
func (s StorageConfig) Option(provider, key string) string {
	if s.Options == nil {
		return ""
	}
	if nested, ok := s.Options[provider].(map[string]interface{}); ok {
		if v := stringValue(nested[key]); v != "" {
			return v
		}
	}
	return stringValue(s.Options[key])
}

// SetOption writes key into the per-provider namespace and the flat legacy key
func (s *StorageConfig) SetOption(provider, key, value string) {
	if s.Options == nil {
		s.Options = map[string]interface{}{}
	}
	nested, ok := s.Options[provider].(map[string]interface{})
	if !ok {
		nested = map[string]interface{}{}
	}
	nested[key] = value
	s.Options[provider] = nested
	s.Options[key] = value
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// RetryConfig controls the import retry executor
type RetryConfig struct {
	MaxRetries         int  `json:"maxRetries" yaml:"maxRetries"`
	RetryInterval      int  `json:"retryInterval" yaml:"retryInterval"`
	ExponentialBackoff bool `json:"exponentialBackoff" yaml:"exponentialBackoff"`
}

// DefaultRetryConfig is used when a schedule has no retryConfig
var DefaultRetryConfig = RetryConfig{MaxRetries: 3, RetryInterval: 60, ExponentialBackoff: true}

// CsvImportTarget names one dataset to ingest and where to find it
type CsvImportTarget struct {
	Type   string `json:"type" yaml:"type"`
	Source string `json:"source" yaml:"source"`
}

// CsvImportSchedule is a scheduled CSV ingestion job
type CsvImportSchedule struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Provider        string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Schedule        string            `json:"schedule" yaml:"schedule"`
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	Targets         []CsvImportTarget `json:"targets" yaml:"targets"`
	ReplaceExisting bool              `json:"replaceExisting" yaml:"replaceExisting"`
	RetryConfig     *RetryConfig      `json:"retryConfig,omitempty" yaml:"retryConfig,omitempty"`
}

// EffectiveRetry returns the schedule's retry config or the defaults
func (c CsvImportSchedule) EffectiveRetry() RetryConfig {
	if c.RetryConfig == nil {
		return DefaultRetryConfig
	}
	return *c.RetryConfig
}

// PathMapping maps a host path to its location inside the container
type PathMapping struct {
	HostPath      string `json:"hostPath" yaml:"hostPath"`
	ContainerPath string `json:"containerPath" yaml:"containerPath"`
}

// RestoreFromCloud controls restores sourced from the cloud provider
type RestoreFromCloud struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	VerifyIntegrity   bool   `json:"verifyIntegrity" yaml:"verifyIntegrity"`
	DefaultTargetKind Kind   `json:"defaultTargetKind,omitempty" yaml:"defaultTargetKind,omitempty"`
	DefaultSource     string `json:"defaultSource,omitempty" yaml:"defaultSource,omitempty"`
}

// Document is the admin editable backup configuration
type Document struct {
	Storage          StorageConfig       `json:"storage" yaml:"storage"`
	Targets          []TargetSpec        `json:"targets" yaml:"targets"`
	Retention        *RetentionPolicy    `json:"retention,omitempty" yaml:"retention,omitempty"`
	CsvImports       []CsvImportSchedule `json:"csvImports,omitempty" yaml:"csvImports,omitempty"`
	PathMappings     []PathMapping       `json:"pathMappings,omitempty" yaml:"pathMappings,omitempty"`
	RestoreFromCloud *RestoreFromCloud   `json:"restoreFromCloud,omitempty" yaml:"restoreFromCloud,omitempty"`
}

// DefaultDocument returns the document used when nothing has been saved yet
func DefaultDocument() *Document {
	return &Document{
		Storage: StorageConfig{
			Provider: ProviderLocal,
			Options:  map[string]interface{}{"basePath": CFG.StorageDir},
		},
		Targets: []TargetSpec{
			{Kind: KindDatabase, Source: CFG.Targets.DatabaseURL, Schedule: "0 4 * * *", Enabled: true},
		},
		Retention: &RetentionPolicy{Days: 30, MaxBackups: 30},
	}
}

// ParseDocument decodes a JSON or YAML document and validates it
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, Errorf("document", "failed to parse: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindTarget returns the index of the target with kind and source, or -1
func (d *Document) FindTarget(kind Kind, source string) int {
	for i, t := range d.Targets {
		if t.Kind == kind && t.Source == source {
			return i
		}
	}
	return -1
}

// FindImport returns the import schedule with id
func (d *Document) FindImport(id string) (CsvImportSchedule, bool) {
	for _, imp := range d.CsvImports {
		if imp.ID == id {
			return imp, true
		}
	}
	return CsvImportSchedule{}, false
}

// RetentionFor returns the target retention, else the global one
func (d *Document) RetentionFor(t TargetSpec) *RetentionPolicy {
	if t.Retention != nil {
		return t.Retention
	}
	return d.Retention
}

// Validate checks the structural invariants of the document. Cron syntax is
// checked by the scheduler, which skips bad schedules instead of failing.
func (d *Document) Validate() error {
	if d.Storage.Provider == "" {
		d.Storage.Provider = ProviderLocal
	}
	if !ValidProvider(d.Storage.Provider) {
		return Errorf("storage.provider", "unknown storage provider %q", d.Storage.Provider)
	}

	for i, t := range d.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if !t.Kind.Valid() {
			return Errorf(field+".kind", "unknown backup kind %q", t.Kind)
		}
		if strings.TrimSpace(t.Source) == "" && t.Kind != KindImage {
			return Errorf(field+".source", "required")
		}
		if t.Storage != nil {
			for _, p := range t.ProviderNames(d.Storage.Provider) {
				if !ValidProvider(p) {
					return Errorf(field+".storage", "unknown storage provider %q", p)
				}
				if p == ProviderMailbox {
					return Errorf(field+".storage", "mailbox provider is read-only and cannot store backups")
				}
			}
		}
		if t.Retention != nil && (t.Retention.Days < 0 || t.Retention.MaxBackups < 0) {
			return Errorf(field+".retention", "must not be negative")
		}
	}

	seen := map[string]bool{}
	for i, imp := range d.CsvImports {
		field := fmt.Sprintf("csvImports[%d]", i)
		if imp.ID == "" {
			return Errorf(field+".id", "required")
		}
		if seen[imp.ID] {
			return Errorf(field+".id", "duplicate id %q", imp.ID)
		}
		seen[imp.ID] = true
		if imp.Provider != "" && imp.Provider != ProviderCloudSync && imp.Provider != ProviderMailbox {
			return Errorf(field+".provider", "csv import requires cloudsync or mailbox, got %q", imp.Provider)
		}
		if rc := imp.RetryConfig; rc != nil && (rc.MaxRetries < 0 || rc.RetryInterval < 1) {
			return Errorf(field+".retryConfig", "maxRetries must be >= 0 and retryInterval >= 1")
		}
	}
	return nil
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	out := *d
	out.Storage.Options = cloneMap(d.Storage.Options)
	out.Targets = make([]TargetSpec, len(d.Targets))
	for i, t := range d.Targets {
		t.Metadata = cloneMap(t.Metadata)
		if t.Storage != nil {
			s := *t.Storage
			s.Providers = append([]string(nil), t.Storage.Providers...)
			t.Storage = &s
		}
		if t.Retention != nil {
			r := *t.Retention
			t.Retention = &r
		}
		out.Targets[i] = t
	}
	if d.Retention != nil {
		r := *d.Retention
		out.Retention = &r
	}
	out.CsvImports = make([]CsvImportSchedule, len(d.CsvImports))
	for i, imp := range d.CsvImports {
		imp.Targets = append([]CsvImportTarget(nil), imp.Targets...)
		if imp.RetryConfig != nil {
			rc := *imp.RetryConfig
			imp.RetryConfig = &rc
		}
		out.CsvImports[i] = imp
	}
	out.PathMappings = append([]PathMapping(nil), d.PathMappings...)
	if d.RestoreFromCloud != nil {
		r := *d.RestoreFromCloud
		out.RestoreFromCloud = &r
	}
	return &out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
