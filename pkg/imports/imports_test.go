package imports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/target"
)

func recordingExecutor() (*Executor, *[]time.Duration) {
	var slept []time.Duration
	e := NewExecutor(nil)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return e, &slept
}

func TestRunRetriesWithExponentialBackoff(t *testing.T) {
	e, slept := recordingExecutor()
	calls := 0
	err := e.Run(context.Background(), config.RetryConfig{MaxRetries: 3, RetryInterval: 60, ExponentialBackoff: true}, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "import failed after 4 attempts: boom", err.Error())
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, *slept)
}

func TestRunFlatDelayAndEventualSuccess(t *testing.T) {
	e, slept := recordingExecutor()
	calls := 0
	err := e.Run(context.Background(), config.RetryConfig{MaxRetries: 3, RetryInterval: 5}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *slept)
}

func TestRunPropagatesDeferralImmediately(t *testing.T) {
	e, slept := recordingExecutor()
	deferred := &ratelimit.DeferredError{Operation: "search", CooldownUntil: time.Now().Add(time.Minute)}
	calls := 0
	err := e.Run(context.Background(), config.DefaultRetryConfig, func(context.Context) error {
		calls++
		return deferred
	})
	assert.Same(t, deferred, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	e := NewExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Run(ctx, config.RetryConfig{MaxRetries: 5, RetryInterval: 3600}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelay(t *testing.T) {
	rc := config.RetryConfig{RetryInterval: 10, ExponentialBackoff: true}
	assert.Equal(t, 10*time.Second, Delay(rc, 0))
	assert.Equal(t, 80*time.Second, Delay(rc, 3))
	rc.ExponentialBackoff = false
	assert.Equal(t, 10*time.Second, Delay(rc, 3))
}

type fakeProvider struct {
	storage.Provider
	files map[string][]byte
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return config.ProviderCloudSync }

func (f *fakeProvider) Download(_ context.Context, path string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

type fakeIngester struct {
	got     map[string]string
	replace bool
}

func (f *fakeIngester) Ingest(_ context.Context, t config.CsvImportTarget, data []byte, replace bool) (int, error) {
	if f.got == nil {
		f.got = map[string]string{}
	}
	f.got[t.Type] = string(data)
	f.replace = replace
	return 2, nil
}

func newJob(p *fakeProvider, ing Ingester) (*Job, *[]bool) {
	var waits []bool
	e, _ := recordingExecutor()
	j := NewJob(JobConfig{
		Providers: func(_ context.Context, _ *config.Document, _ string, allowWait bool) (storage.Provider, error) {
			waits = append(waits, allowWait)
			return p, nil
		},
		Ingester: ing,
		Executor: e,
	})
	return j, &waits
}

func schedule() config.CsvImportSchedule {
	return config.CsvImportSchedule{
		ID:              "nightly",
		Provider:        config.ProviderCloudSync,
		Enabled:         true,
		ReplaceExisting: true,
		Targets: []config.CsvImportTarget{
			{Type: "employees", Source: "/imports/employees.csv"},
			{Type: "items", Source: "/imports/items.csv"},
		},
		RetryConfig: &config.RetryConfig{MaxRetries: 1, RetryInterval: 1},
	}
}

func TestJobImportsEveryTarget(t *testing.T) {
	p := &fakeProvider{files: map[string][]byte{
		"/imports/employees.csv": []byte("employeeCode\nE1\n"),
		"/imports/items.csv":     []byte("itemCode\nI1\n"),
	}}
	ing := &fakeIngester{}
	j, waits := newJob(p, ing)

	summary, err := j.Run(context.Background(), &config.Document{}, schedule(), false)
	require.NoError(t, err)
	require.Len(t, summary.Targets, 2)
	assert.Equal(t, 2, summary.Targets[1].Rows)
	assert.Equal(t, "itemCode\nI1\n", ing.got["items"])
	assert.True(t, ing.replace)
	assert.Equal(t, []bool{false}, *waits)
}

func TestJobRetriesWholeAttempt(t *testing.T) {
	p := &fakeProvider{err: errors.New("connection reset")}
	j, waits := newJob(p, &fakeIngester{})

	_, err := j.Run(context.Background(), &config.Document{}, schedule(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import failed after 2 attempts")
	assert.Len(t, *waits, 2)
}

func TestJobManualRunMakesOneWaitingAttempt(t *testing.T) {
	p := &fakeProvider{err: errors.New("connection reset")}
	j, waits := newJob(p, &fakeIngester{})

	_, err := j.Run(context.Background(), &config.Document{}, schedule(), true)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "attempts")
	assert.Equal(t, []bool{true}, *waits)
}

func TestJobReturnsDeferral(t *testing.T) {
	until := time.Now().Add(time.Minute)
	p := &fakeProvider{err: &ratelimit.DeferredError{Operation: "search", CooldownUntil: until}}
	j, _ := newJob(p, &fakeIngester{})

	_, err := j.Run(context.Background(), &config.Document{}, schedule(), false)
	deferred, ok := ratelimit.AsDeferred(err)
	require.True(t, ok)
	assert.Equal(t, until, deferred.CooldownUntil)
	assert.Equal(t, 1, p.calls)
}

func TestResolveProvider(t *testing.T) {
	doc := &config.Document{Storage: config.StorageConfig{Provider: config.ProviderLocal}}

	_, err := ResolveProvider(doc, config.CsvImportSchedule{})
	assert.True(t, config.IsConfigurationError(err))

	name, err := ResolveProvider(doc, config.CsvImportSchedule{Provider: config.ProviderMailbox})
	require.NoError(t, err)
	assert.Equal(t, config.ProviderMailbox, name)

	doc.Storage.Provider = config.ProviderCloudSync
	name, err = ResolveProvider(doc, config.CsvImportSchedule{})
	require.NoError(t, err)
	assert.Equal(t, config.ProviderCloudSync, name)
}

type memDataset struct {
	header []string
	rows   [][]string
}

func (m *memDataset) Name() string { return "employees" }

func (m *memDataset) Export(context.Context) ([]string, [][]string, error) {
	return m.header, m.rows, nil
}

func (m *memDataset) Import(_ context.Context, header []string, rows [][]string, _ bool) (int, error) {
	m.header, m.rows = header, rows
	return len(rows), nil
}

func TestDatasetIngester(t *testing.T) {
	ds := &memDataset{}
	ing := DatasetIngester{Datasets: target.NewRegistry(ds)}

	n, err := ing.Ingest(context.Background(), config.CsvImportTarget{Type: "employees"}, []byte("\xef\xbb\xbfemployeeCode,displayName\nE1,Ann\nE2,Bob\n"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"employeeCode", "displayName"}, ds.header)

	_, err = ing.Ingest(context.Background(), config.CsvImportTarget{Type: "loans"}, []byte("a\n"), false)
	assert.True(t, config.IsConfigurationError(err))
}
