package admin

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/configstore"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/imports"
	"github.com/supporttools/GoBackupGuard/pkg/purge"
	"github.com/supporttools/GoBackupGuard/pkg/scheduler"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

type fakeRunner struct {
	reloads int
	runs    []config.TargetSpec
	imports []string
}

func (f *fakeRunner) Reload(context.Context) error {
	f.reloads++
	return nil
}

func (f *fakeRunner) Entries() []scheduler.Entry {
	return []scheduler.Entry{{Key: "csv-items", Schedule: "0 1 * * *"}}
}

func (f *fakeRunner) RunTarget(_ context.Context, _ *config.Document, spec config.TargetSpec) (*backup.RunReport, error) {
	f.runs = append(f.runs, spec)
	return &backup.RunReport{Target: spec, Kind: spec.Kind, Source: spec.Source}, nil
}

func (f *fakeRunner) RunImport(_ context.Context, id string, manual bool) (*imports.Summary, error) {
	if !manual {
		return nil, errors.New("expected a manual run")
	}
	f.imports = append(f.imports, id)
	return &imports.Summary{ScheduleID: id}, nil
}

type memProvider struct {
	entries []storage.Entry
	deleted []string
}

func (m *memProvider) Name() string { return config.ProviderCloudSync }

func (m *memProvider) Upload(context.Context, []byte, string) error { return nil }

func (m *memProvider) Download(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (m *memProvider) List(context.Context, string) ([]storage.Entry, error) {
	return m.entries, nil
}

func (m *memProvider) Delete(_ context.Context, path string) error {
	m.deleted = append(m.deleted, path)
	return nil
}

// presigningProvider adds presigned download URLs to memProvider
type presigningProvider struct {
	*memProvider
	expiry time.Duration
}

func (p *presigningProvider) PresignDownload(_ context.Context, path string, expiry time.Duration) (string, error) {
	p.expiry = expiry
	return "https://signed.example.com/" + path, nil
}

type fakeBackups struct {
	provider  *memProvider
	presigner *presigningProvider
	providers []string
	restores  []backup.RestoreRequest
}

func (f *fakeBackups) Service(_ context.Context, _ *config.Document, provider string) (*backup.Service, error) {
	f.providers = append(f.providers, provider)
	if f.presigner != nil {
		return backup.NewService(f.presigner, nil, nil, nil), nil
	}
	return backup.NewService(f.provider, nil, nil, nil), nil
}

func (f *fakeBackups) Restore(_ context.Context, req backup.RestoreRequest) (*backup.RestoreResponse, error) {
	f.restores = append(f.restores, req)
	return &backup.RestoreResponse{Success: true, DryRun: req.DryRun, Path: req.Path}, nil
}

type fixture struct {
	svc     *Service
	store   *configstore.Store
	runner  *fakeRunner
	backups *fakeBackups
	history *history.Recorder
}

func newFixture(t *testing.T, doc *config.Document) *fixture {
	t.Helper()
	store := configstore.New(nil, filepath.Join(t.TempDir(), "backup.json"), nil)
	if doc != nil {
		_, err := store.Save(context.Background(), doc, "test", "seed")
		require.NoError(t, err)
	}
	f := &fixture{
		store:   store,
		runner:  &fakeRunner{},
		backups: &fakeBackups{provider: &memProvider{}},
		history: history.NewRecorder(history.NewMemoryStore(), nil),
	}
	f.svc = New(Config{Store: store, Scheduler: f.runner, Backups: f.backups, History: f.history})
	return f
}

func seedDocument() *config.Document {
	return &config.Document{
		Storage: config.StorageConfig{
			Provider: config.ProviderCloudSync,
			Options: map[string]interface{}{
				"cloudsync": map[string]interface{}{"accessToken": "secret-token", "refreshToken": "refresh", "basePath": "/backups"},
			},
		},
		Targets: []config.TargetSpec{
			{Kind: config.KindDatabase, Source: "postgres://app:pw@db/app", Schedule: "0 4 * * *", Enabled: true},
			{Kind: config.KindCSV, Source: "items", Schedule: "0 1 * * *", Enabled: true},
		},
	}
}

func TestConfigIsRedacted(t *testing.T) {
	f := newFixture(t, seedDocument())
	doc, err := f.svc.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.RedactedMarker, doc.Storage.Option(config.ProviderCloudSync, "accessToken"))
	assert.Equal(t, "postgres://app:[REDACTED]@db/app", doc.Targets[0].Source)
}

func TestAddTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedDocument())

	_, err := f.svc.AddTarget(ctx, "ops", config.TargetSpec{Kind: config.KindFile, Source: "/etc/app.conf", Schedule: "0 2 * * *", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.runner.reloads)

	doc, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Targets, 3)
	assert.Equal(t, "/etc/app.conf", doc.Targets[2].Source)

	tests := []struct {
		name string
		spec config.TargetSpec
	}{
		{"duplicate", config.TargetSpec{Kind: config.KindCSV, Source: "items"}},
		{"bad schedule", config.TargetSpec{Kind: config.KindCSV, Source: "employees", Schedule: "daily"}},
		{"bad kind", config.TargetSpec{Kind: "tape", Source: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddTarget(ctx, "ops", tt.spec)
			assert.True(t, config.IsConfigurationError(err), "%v", err)
		})
	}
	assert.Equal(t, 1, f.runner.reloads)
}

func TestUpdateTargetKeepsRedactedSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedDocument())

	redacted := "postgres://app:[REDACTED]@db/app"
	_, err := f.svc.UpdateTarget(ctx, "ops", config.KindDatabase, redacted, config.TargetSpec{
		Kind: config.KindDatabase, Source: redacted, Schedule: "30 4 * * *", Enabled: false,
	})
	require.NoError(t, err)

	doc, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pw@db/app", doc.Targets[0].Source)
	assert.Equal(t, "30 4 * * *", doc.Targets[0].Schedule)
	assert.False(t, doc.Targets[0].Enabled)
	assert.Equal(t, 1, f.runner.reloads)
}

func TestUpdateAndDeleteUnknownTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedDocument())

	_, err := f.svc.UpdateTarget(ctx, "ops", config.KindCSV, "employees", config.TargetSpec{Kind: config.KindCSV, Source: "employees"})
	assert.ErrorIs(t, err, ErrTargetNotFound)
	_, err = f.svc.DeleteTarget(ctx, "ops", config.KindCSV, "employees")
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Zero(t, f.runner.reloads)
}

func TestDeleteTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedDocument())

	_, err := f.svc.DeleteTarget(ctx, "ops", config.KindCSV, "items")
	require.NoError(t, err)
	doc, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Targets, 1)
	assert.Equal(t, config.KindDatabase, doc.Targets[0].Kind)
}

func TestUpdateStorageKeepsRedactedSecrets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedDocument())

	_, err := f.svc.UpdateStorage(ctx, "ops", config.StorageConfig{
		Provider: config.ProviderCloudSync,
		Options: map[string]interface{}{
			"cloudsync": map[string]interface{}{
				"accessToken":  config.RedactedMarker,
				"refreshToken": "rotated",
				"basePath":     "/backups",
			},
			"apiKey": config.RedactedMarker,
		},
	})
	require.NoError(t, err)

	doc, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", doc.Storage.Option(config.ProviderCloudSync, "accessToken"))
	assert.Equal(t, "rotated", doc.Storage.Option(config.ProviderCloudSync, "refreshToken"))
	_, leaked := doc.Storage.Options["apiKey"]
	assert.False(t, leaked)
}

func TestRunBackupUsesConfiguredTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedDocument())

	report, err := f.svc.RunBackup(ctx, config.KindCSV, "items")
	require.NoError(t, err)
	assert.Equal(t, "items", report.Source)
	require.Len(t, f.runner.runs, 1)
	assert.Equal(t, "0 1 * * *", f.runner.runs[0].Schedule)

	_, err = f.svc.RunBackup(ctx, config.KindFile, "/etc/hosts")
	require.NoError(t, err)
	assert.Empty(t, f.runner.runs[1].Schedule)

	_, err = f.svc.RunBackup(ctx, "tape", "x")
	assert.True(t, config.IsConfigurationError(err))
}

func TestRunImportIsManual(t *testing.T) {
	f := newFixture(t, seedDocument())
	summary, err := f.svc.RunImport(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, "nightly", summary.ScheduleID)
}

func TestRestorePassesRequestThrough(t *testing.T) {
	f := newFixture(t, seedDocument())
	resp, err := f.svc.Restore(context.Background(), backup.RestoreRequest{Path: "csv/x/items.csv", DryRun: true})
	require.NoError(t, err)
	assert.True(t, resp.DryRun)
	require.Len(t, f.backups.restores, 1)
}

func TestPurgeRequiresCloudSyncStorage(t *testing.T) {
	doc := seedDocument()
	doc.Storage.Provider = config.ProviderLocal
	f := newFixture(t, doc)

	_, err := f.svc.PurgeAll(context.Background(), "ops", purge.FullConfirmText)
	assert.True(t, config.IsConfigurationError(err))
	assert.Empty(t, f.backups.providers)
}

func TestPurgeSelectiveDefaultsToDryRun(t *testing.T) {
	f := newFixture(t, seedDocument())
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f.backups.provider.entries = []storage.Entry{
		{Path: "database/a/app.sql.gz", ModifiedAt: &at},
		{Path: "csv/a/items.csv", ModifiedAt: &at},
	}

	report, err := f.svc.PurgeSelective(context.Background(), "ops", SelectivePurgeRequest{ConfirmText: purge.SelectiveConfirmText})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.KeepLatestDatabaseCount)
	assert.Equal(t, []string{"csv/a/items.csv"}, report.DeleteSample)
	assert.Empty(t, f.backups.provider.deleted)
	assert.Equal(t, []string{config.ProviderCloudSync}, f.backups.providers)

	dryRun := false
	_, err = f.svc.PurgeSelective(context.Background(), "ops", SelectivePurgeRequest{ConfirmText: purge.SelectiveConfirmText, DryRun: &dryRun})
	require.NoError(t, err)
	assert.Equal(t, []string{"csv/a/items.csv"}, f.backups.provider.deleted)
}

func TestDownloadURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedDocument())

	_, err := f.svc.DownloadURL(ctx, "", "csv/a/items.csv", 0)
	assert.ErrorIs(t, err, storage.ErrNotSupported)

	_, err = f.svc.DownloadURL(ctx, "", "", 0)
	assert.True(t, config.IsConfigurationError(err))

	f.backups.presigner = &presigningProvider{memProvider: f.backups.provider}
	url, err := f.svc.DownloadURL(ctx, "s3", "csv/a/items.csv", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example.com/csv/a/items.csv", url)
	assert.Equal(t, DefaultDownloadExpiry, f.backups.presigner.expiry)
	assert.Equal(t, "s3", f.backups.providers[len(f.backups.providers)-1])

	_, err = f.svc.DownloadURL(ctx, "s3", "csv/a/items.csv", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, f.backups.presigner.expiry)
}

func TestHistoryRecordNotFound(t *testing.T) {
	f := newFixture(t, seedDocument())
	_, err := f.svc.HistoryRecord(context.Background(), "missing")
	assert.True(t, history.IsNotFound(err))
}

func TestMergeRedacted(t *testing.T) {
	old := map[string]interface{}{
		"token":  "t",
		"nested": map[string]interface{}{"password": "p"},
	}
	in := map[string]interface{}{
		"token":  config.RedactedMarker,
		"nested": map[string]interface{}{"password": config.RedactedMarker, "user": "u"},
		"secret": config.RedactedMarker,
	}
	got := mergeRedacted(in, old)
	assert.Equal(t, map[string]interface{}{
		"token":  "t",
		"nested": map[string]interface{}{"password": "p", "user": "u"},
	}, got)
}
