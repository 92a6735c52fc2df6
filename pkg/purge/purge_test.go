package purge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

type memProvider struct {
	entries []storage.Entry
	failOn  map[string]bool
	listed  int
	deleted []string
}

func (m *memProvider) Name() string { return "mem" }

func (m *memProvider) Upload(context.Context, []byte, string) error { return nil }

func (m *memProvider) Download(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (m *memProvider) List(context.Context, string) ([]storage.Entry, error) {
	m.listed++
	return m.entries, nil
}

func (m *memProvider) Delete(_ context.Context, path string) error {
	if m.failOn[path] {
		return errors.New("locked")
	}
	m.deleted = append(m.deleted, path)
	return nil
}

func entry(path string, daysAgo int, size int64) storage.Entry {
	at := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -daysAgo)
	return storage.Entry{Path: path, ModifiedAt: &at, SizeBytes: &size}
}

func paths(entries []storage.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestPlanSelectiveKeepsNewestDatabaseEntries(t *testing.T) {
	entries := []storage.Entry{
		entry("database/d1/app.sql.gz", 5, 1),
		entry("/backups/database/d2/app.sql.gz", 4, 1),
		entry("csv/c1/items.csv", 0, 1),
		entry("database/d3/app.sql.gz", 3, 1),
		entry("//backups//database/d4/app.sql.gz", 2, 1),
		entry("database/d5/app.sql.gz", 1, 1),
		{Path: ""},
	}

	plan, err := PlanSelective(entries, 2)
	require.NoError(t, err)
	assert.Empty(t, plan.Reason)
	assert.Equal(t, []string{"//backups//database/d4/app.sql.gz", "database/d5/app.sql.gz"}, paths(plan.Keep))
	assert.Equal(t, []string{
		"database/d1/app.sql.gz",
		"/backups/database/d2/app.sql.gz",
		"csv/c1/items.csv",
		"database/d3/app.sql.gz",
	}, paths(plan.Remove))
	assert.Len(t, plan.SkippedMissingPath, 1)
}

func TestPlanSelectiveWithoutDatabaseBackups(t *testing.T) {
	plan, err := PlanSelective([]storage.Entry{entry("csv/c1/items.csv", 1, 1), entry("databases/x", 1, 1)}, 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoDatabaseBackups, plan.Reason)
	assert.Empty(t, plan.Keep)
	assert.Empty(t, plan.Remove)
}

func TestPlanSelectiveRejectsKeepBelowOne(t *testing.T) {
	_, err := PlanSelective(nil, 0)
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/backups/database/a": "database/a",
		"backups//database/a": "database/a",
		"database/a":          "database/a",
		"///database//a":      "database/a",
		"/other/backups/db/a": "other/backups/db/a",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func newExecutor(p *memProvider) *Executor {
	return NewExecutor(backup.NewService(p, nil, nil, nil), nil)
}

func TestFullRejectsWrongPhraseBeforeListing(t *testing.T) {
	p := &memProvider{entries: []storage.Entry{entry("database/d1/app.sql.gz", 1, 1)}}
	_, err := newExecutor(p).Full(context.Background(), "delete everything")

	var confirm *ConfirmationError
	require.True(t, errors.As(err, &confirm))
	assert.Equal(t, FullConfirmText, confirm.Required)
	assert.Zero(t, p.listed)
	assert.Empty(t, p.deleted)
}

func TestFullDeletesEverything(t *testing.T) {
	p := &memProvider{entries: []storage.Entry{
		entry("database/d1/app.sql.gz", 1, 10),
		entry("csv/c1/items.csv", 1, 5),
		{Path: ""},
	}}
	report, err := newExecutor(p).Full(context.Background(), FullConfirmText)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 3, report.TotalCount)
	assert.Equal(t, 2, report.DeletedCount)
	assert.Equal(t, 1, report.SkippedMissingPathCount)
	assert.Equal(t, int64(15), report.DeleteSizeBytes)
	assert.Equal(t, []string{"database/d1/app.sql.gz", "csv/c1/items.csv"}, p.deleted)
}

func TestFullReportsPartialFailure(t *testing.T) {
	p := &memProvider{
		entries: []storage.Entry{
			entry("database/d1/app.sql.gz", 1, 10),
			entry("csv/c1/items.csv", 1, 5),
		},
		failOn: map[string]bool{"csv/c1/items.csv": true},
	}
	report, err := newExecutor(p).Full(context.Background(), FullConfirmText)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.DeletedCount)
	assert.Equal(t, 1, report.FailedCount)
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, []string{"database/d1/app.sql.gz"}, p.deleted)
}

func TestSelectiveRejectsWrongPhrase(t *testing.T) {
	p := &memProvider{}
	_, err := newExecutor(p).Selective(context.Background(), FullConfirmText, 1, false)
	var confirm *ConfirmationError
	require.True(t, errors.As(err, &confirm))
	assert.Zero(t, p.listed)
}

func TestSelectiveAbortsWithoutDatabaseBackups(t *testing.T) {
	for _, dryRun := range []bool{true, false} {
		t.Run(fmt.Sprintf("dryRun=%v", dryRun), func(t *testing.T) {
			p := &memProvider{entries: []storage.Entry{entry("csv/c1/items.csv", 1, 1)}}
			_, err := newExecutor(p).Selective(context.Background(), SelectiveConfirmText, 1, dryRun)
			var abort *SafetyAbortError
			require.True(t, errors.As(err, &abort))
			assert.Empty(t, p.deleted)
		})
	}
}

func TestSelectiveDryRunReportsSamples(t *testing.T) {
	var entries []storage.Entry
	for i := 0; i < 12; i++ {
		entries = append(entries, entry(fmt.Sprintf("csv/c%02d/items.csv", i), i, 2))
	}
	entries = append(entries, entry("database/d1/app.sql.gz", 0, 100))

	p := &memProvider{entries: entries}
	report, err := newExecutor(p).Selective(context.Background(), SelectiveConfirmText, 1, true)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.KeepCount)
	assert.Equal(t, 12, report.DeleteCount)
	assert.Equal(t, int64(24), report.DeleteSizeBytes)
	assert.Equal(t, []string{"database/d1/app.sql.gz"}, report.KeepSample)
	assert.Len(t, report.DeleteSample, 10)
	assert.Zero(t, report.DeletedCount)
	assert.Empty(t, p.deleted)
}

func TestSelectiveContinuesPastFailures(t *testing.T) {
	p := &memProvider{
		entries: []storage.Entry{
			entry("database/d1/app.sql.gz", 3, 1),
			entry("database/d2/app.sql.gz", 2, 1),
			entry("database/d3/app.sql.gz", 1, 1),
			entry("csv/c1/items.csv", 1, 1),
		},
		failOn: map[string]bool{"database/d1/app.sql.gz": true},
	}
	report, err := newExecutor(p).Selective(context.Background(), SelectiveConfirmText, 1, false)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.FailedCount)
	assert.Equal(t, 2, report.DeletedCount)
	assert.Equal(t, []string{"database/d2/app.sql.gz", "csv/c1/items.csv"}, p.deleted)
	require.Len(t, report.Errors, 1)
	assert.True(t, strings.HasPrefix(report.Errors[0], "database/d1/app.sql.gz: "))
}

func TestCheckStorage(t *testing.T) {
	doc := &config.Document{Storage: config.StorageConfig{Provider: config.ProviderLocal}}
	assert.Error(t, CheckStorage(doc))

	doc.Storage.Provider = config.ProviderCloudSync
	assert.NoError(t, CheckStorage(doc))

	doc.Storage.SetOption(config.ProviderCloudSync, "basePath", "/elsewhere")
	assert.Error(t, CheckStorage(doc))
}
