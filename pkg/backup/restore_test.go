package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/target"
	"github.com/supporttools/GoBackupGuard/pkg/verify"
)

type fakeRunner struct {
	calls []string
	stdin []string
}

func (f *fakeRunner) Run(_ context.Context, name string, _, _ []string, stdin io.Reader, stdout io.Writer) error {
	f.calls = append(f.calls, name)
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		f.stdin = append(f.stdin, string(data))
	}
	_, err := io.WriteString(stdout, "-- PostgreSQL database dump\n")
	return err
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type restoreFixture struct {
	manager *Manager
	store   storage.Provider
	runner  *fakeRunner
	history *history.Recorder
}

func newRestoreFixture(t *testing.T, providers ...string) restoreFixture {
	t.Helper()
	if len(providers) == 0 {
		providers = []string{config.ProviderLocal}
	}
	provide, clients := providerSet(t, providers...)
	doc := &config.Document{Storage: config.StorageConfig{Provider: providers[0]}}
	runner := &fakeRunner{}
	rec := history.NewRecorder(nil, nil)
	m := NewManager(ManagerConfig{
		Documents: staticDocs{doc},
		Providers: provide,
		History:   rec,
		Targets:   target.Options{DatabaseURL: "postgres://u:p@db:5432/app", Runner: runner},
	})
	return restoreFixture{manager: m, store: clients[providers[0]], runner: runner, history: rec}
}

func TestInferTarget(t *testing.T) {
	tests := []struct {
		path   string
		kind   config.Kind
		source string
	}{
		{"database/2024-01-01T00-00-00-000Z/app.sql.gz", config.KindDatabase, "app"},
		{"database/2024-01-01T00-00-00-000Z/app", config.KindDatabase, "app"},
		{"csv/2024-01-01T00-00-00-000Z-nightly/items.csv", config.KindCSV, "items"},
		{"file/ts/etc/app.conf", config.KindFile, "/etc/app.conf"},
		{"client-file/ts/kiosk/etc/a.json", config.KindClientFile, "kiosk:/etc/a.json"},
		{"image/ts/photo-storage", config.KindImage, "photo-storage"},
		{"random.bin", config.KindFile, "random.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			kind, source := InferTarget(tt.path)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestRestoreDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newRestoreFixture(t)

	resp, err := f.manager.Restore(ctx, RestoreRequest{Path: "database/ts/app.sql.gz", DryRun: true})
	require.NoError(t, err)
	assert.True(t, resp.DryRun)
	assert.False(t, resp.Exists)
	assert.Empty(t, f.runner.calls)

	records, _, _ := f.history.List(ctx, metadata.HistoryFilter{})
	assert.Empty(t, records)
}

func TestRestoreDryRunReportsExistingBackup(t *testing.T) {
	ctx := context.Background()
	f := newRestoreFixture(t)
	require.NoError(t, f.store.Upload(ctx, gzipped(t, "-- dump"), "database/ts/app.sql.gz"))

	resp, err := f.manager.Restore(ctx, RestoreRequest{Path: "/database/ts/app.sql.gz", DryRun: true})
	require.NoError(t, err)
	assert.True(t, resp.Exists)
	assert.Equal(t, "database app", resp.WouldApplyTo)
	assert.Empty(t, f.runner.calls)
}

func TestRestoreFileToDestination(t *testing.T) {
	ctx := context.Background()
	f := newRestoreFixture(t)
	payload := []byte("key=value")
	require.NoError(t, f.store.Upload(ctx, payload, "file/ts/etc/app.conf"))

	dest := filepath.Join(t.TempDir(), "restored.conf")
	resp, err := f.manager.Restore(ctx, RestoreRequest{
		Path:         "file/ts/etc/app.conf",
		Destination:  dest,
		ExpectedSize: int64(len(payload)),
		ExpectedHash: verify.Hash(payload),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, dest, resp.Destination)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, content)

	record, err := f.history.Get(ctx, resp.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, metadata.OperationRestore, record.OperationType)
	assert.Equal(t, metadata.StatusCompleted, record.Status)
}

func TestRestoreIntegrityMismatchAbortsBeforeTarget(t *testing.T) {
	ctx := context.Background()
	f := newRestoreFixture(t)
	require.NoError(t, f.store.Upload(ctx, []byte("key=value"), "file/ts/etc/app.conf"))

	dest := filepath.Join(t.TempDir(), "restored.conf")
	_, err := f.manager.Restore(ctx, RestoreRequest{
		Path:         "file/ts/etc/app.conf",
		Destination:  dest,
		ExpectedHash: "0000",
	})
	var integrity *verify.IntegrityError
	require.True(t, errors.As(err, &integrity))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))

	records, _, _ := f.history.List(ctx, metadata.HistoryFilter{OperationType: metadata.OperationRestore})
	require.Len(t, records, 1)
	assert.Equal(t, metadata.StatusFailed, records[0].Status)
}

func TestRestoreDatabaseRunsPreBackupAndLegacyFallback(t *testing.T) {
	ctx := context.Background()
	f := newRestoreFixture(t)
	require.NoError(t, f.store.Upload(ctx, []byte("CREATE TABLE t();"), "database/2023-01-01/app"))

	resp, err := f.manager.Restore(ctx, RestoreRequest{Path: "database/2023-01-01/app.sql.gz"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "database/2023-01-01/app", resp.Path)
	require.Len(t, resp.PreBackup, 1)
	assert.Contains(t, resp.PreBackup[0], "-pre-restore-")

	assert.Equal(t, []string{"pg_dump", "psql"}, f.runner.calls)
	assert.Equal(t, []string{"CREATE TABLE t();"}, f.runner.stdin)

	record, err := f.history.Get(ctx, resp.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusCompleted, record.Status)
	assert.NotNil(t, record.CompletedAt)
}

func TestRestoreAbortsWhenEveryPreBackupFails(t *testing.T) {
	ctx := context.Background()
	f := newRestoreFixture(t)
	require.NoError(t, f.store.Upload(ctx, gzipped(t, "-- dump"), "database/ts/app.sql.gz"))

	doc := &config.Document{
		Storage: config.StorageConfig{Provider: config.ProviderLocal},
		Targets: []config.TargetSpec{{
			Kind:    config.KindDatabase,
			Source:  "app",
			Storage: &config.TargetStorage{Provider: config.ProviderS3},
		}},
	}
	f.manager.docs = staticDocs{doc}

	_, err := f.manager.Restore(ctx, RestoreRequest{Path: "database/ts/app.sql.gz"})
	var pre *PreBackupError
	require.True(t, errors.As(err, &pre))
	assert.Contains(t, err.Error(), "s3")
	assert.NotContains(t, f.runner.calls, "psql")
}

func TestRestoreMissingBackupIsNotFound(t *testing.T) {
	f := newRestoreFixture(t)
	skip := false
	_, err := f.manager.Restore(context.Background(), RestoreRequest{Path: "csv/ts/items.csv", PreBackup: &skip, Kind: config.KindFile, Source: "/items.csv"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
