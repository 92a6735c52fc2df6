package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupGuard/pkg/admin"
	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/configstore"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/imports"
	"github.com/supporttools/GoBackupGuard/pkg/purge"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
	"github.com/supporttools/GoBackupGuard/pkg/scheduler"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/verify"
)

type fakeOps struct {
	err error

	actor      string
	kind       config.Kind
	source     string
	filter     metadata.HistoryFilter
	selective  admin.SelectivePurgeRequest
	restoreReq backup.RestoreRequest
	expiry     time.Duration
}

func (f *fakeOps) Config(context.Context) (*config.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &config.Document{Targets: []config.TargetSpec{{Kind: config.KindCSV, Source: "items"}}}, nil
}

func (f *fakeOps) Schedules() []scheduler.Entry {
	return []scheduler.Entry{{Key: "csv-items", Schedule: "0 1 * * *"}}
}

func (f *fakeOps) AddTarget(_ context.Context, actor string, spec config.TargetSpec) (*config.Document, error) {
	f.actor, f.kind, f.source = actor, spec.Kind, spec.Source
	return &config.Document{Targets: []config.TargetSpec{spec}}, f.err
}

func (f *fakeOps) UpdateTarget(_ context.Context, actor string, kind config.Kind, source string, _ config.TargetSpec) (*config.Document, error) {
	f.actor, f.kind, f.source = actor, kind, source
	if f.err != nil {
		return nil, f.err
	}
	return &config.Document{}, nil
}

func (f *fakeOps) DeleteTarget(_ context.Context, actor string, kind config.Kind, source string) (*config.Document, error) {
	f.actor, f.kind, f.source = actor, kind, source
	if f.err != nil {
		return nil, f.err
	}
	return &config.Document{}, nil
}

func (f *fakeOps) UpdateStorage(_ context.Context, actor string, _ config.StorageConfig) (*config.Document, error) {
	f.actor = actor
	return &config.Document{}, f.err
}

func (f *fakeOps) RunBackup(_ context.Context, kind config.Kind, source string) (*backup.RunReport, error) {
	f.kind, f.source = kind, source
	if f.err != nil {
		return nil, f.err
	}
	return &backup.RunReport{Kind: kind, Source: source, Results: []backup.ProviderResult{{Provider: "local", Success: true}}}, nil
}

func (f *fakeOps) RunImport(_ context.Context, id string) (*imports.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imports.Summary{ScheduleID: id}, nil
}

func (f *fakeOps) Restore(_ context.Context, req backup.RestoreRequest) (*backup.RestoreResponse, error) {
	f.restoreReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &backup.RestoreResponse{Success: true, DryRun: req.DryRun, Path: req.Path}, nil
}

func (f *fakeOps) ListBackups(context.Context, string, string) ([]storage.Entry, error) {
	newer := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	older := newer.AddDate(0, 0, -1)
	return []storage.Entry{{Path: "csv/b/items.csv", ModifiedAt: &newer}, {Path: "csv/a/items.csv", ModifiedAt: &older}}, f.err
}

func (f *fakeOps) DownloadURL(_ context.Context, _, path string, expiry time.Duration) (string, error) {
	f.expiry = expiry
	if f.err != nil {
		return "", f.err
	}
	return "https://bucket.example.com/" + path + "?sig=abc", nil
}

func (f *fakeOps) PurgeAll(_ context.Context, actor, confirmText string) (*purge.Report, error) {
	f.actor = actor
	if confirmText != purge.FullConfirmText {
		return nil, &purge.ConfirmationError{Required: purge.FullConfirmText}
	}
	return &purge.Report{Success: true}, f.err
}

func (f *fakeOps) PurgeSelective(_ context.Context, _ string, req admin.SelectivePurgeRequest) (*purge.Report, error) {
	f.selective = req
	if f.err != nil {
		return nil, f.err
	}
	return &purge.Report{Success: true, DryRun: true}, nil
}

func (f *fakeOps) History(_ context.Context, filter metadata.HistoryFilter) ([]metadata.BackupHistory, int64, error) {
	f.filter = filter
	return []metadata.BackupHistory{{ID: "h1"}}, 7, f.err
}

func (f *fakeOps) HistoryRecord(_ context.Context, id string) (*metadata.BackupHistory, error) {
	if id != "h1" {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return &metadata.BackupHistory{ID: id}, nil
}

func (f *fakeOps) ConfigVersions(context.Context, int, int) ([]configstore.Version, int64, error) {
	return []configstore.Version{{ID: "v1", Version: 1}}, 1, f.err
}

func do(t *testing.T, s *Server, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthCheck(t *testing.T) {
	rr := do(t, NewServer(&fakeOps{}, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	s := NewServer(&fakeOps{}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/restore", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/purge", "").Code)
}

func TestTargetRoutes(t *testing.T) {
	ops := &fakeOps{}
	s := NewServer(ops, nil)

	rr := do(t, s, http.MethodPost, "/api/targets", `{"kind":"csv","source":"items","enabled":true}`, ActorHeader, "alice")
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "alice", ops.actor)

	rr = do(t, s, http.MethodPut, "/api/targets/file?source=%2Fetc%2Fapp.conf", `{"kind":"file","source":"/etc/app.conf"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "admin", ops.actor)
	assert.Equal(t, config.KindFile, ops.kind)
	assert.Equal(t, "/etc/app.conf", ops.source)

	rr = do(t, s, http.MethodDelete, "/api/targets/csv?source=items", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"unknown kind", http.MethodDelete, "/api/targets/tape?source=x", ""},
		{"missing source", http.MethodDelete, "/api/targets/csv", ""},
		{"bad json", http.MethodPost, "/api/targets", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(t, s, tt.method, tt.target, tt.body).Code)
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", config.Errorf("targets", "duplicate"), http.StatusBadRequest},
		{"confirmation", &purge.ConfirmationError{Required: purge.FullConfirmText}, http.StatusBadRequest},
		{"safety", &purge.SafetyAbortError{Reason: purge.ReasonNoDatabaseBackups}, http.StatusBadRequest},
		{"target missing", admin.ErrTargetNotFound, http.StatusNotFound},
		{"backup missing", fmt.Errorf("download: %w", storage.ErrNotFound), http.StatusNotFound},
		{"not supported", fmt.Errorf("%w: local", storage.ErrNotSupported), http.StatusNotImplemented},
		{"running", &scheduler.AlreadyRunningError{Key: "csv-items"}, http.StatusConflict},
		{"integrity", &verify.IntegrityError{Path: "p", Errors: []string{"hash mismatch"}}, http.StatusUnprocessableEntity},
		{"auth", &storage.AuthError{Provider: "cloudsync", Err: errors.New("expired")}, http.StatusBadGateway},
		{"pre-backup", &backup.PreBackupError{Detail: "local: full"}, http.StatusInternalServerError},
		{"deferred", &ratelimit.DeferredError{Operation: "list", CooldownUntil: time.Now().Add(time.Minute)}, http.StatusTooManyRequests},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, NewServer(&fakeOps{err: tt.err}, nil), http.MethodDelete, "/api/targets/csv?source=items", "")
			assert.Equal(t, tt.want, rr.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestDeferredSetsRetryAfter(t *testing.T) {
	err := &ratelimit.DeferredError{Operation: "search", CooldownUntil: time.Now().Add(30 * time.Second)}
	rr := do(t, NewServer(&fakeOps{err: err}, nil), http.MethodPost, "/api/imports/nightly/run", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestRunBackup(t *testing.T) {
	ops := &fakeOps{}
	rr := do(t, NewServer(ops, nil), http.MethodPost, "/api/targets/database/run?source=postgres%3A%2F%2Fapp%3Apw%40db%2Fapp", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "postgres://app:pw@db/app", ops.source)
	assert.NotContains(t, rr.Body.String(), "pw@")
	assert.Contains(t, rr.Body.String(), `"success":true`)
}

func TestRestoreDecodesRequest(t *testing.T) {
	ops := &fakeOps{}
	rr := do(t, NewServer(ops, nil), http.MethodPost, "/api/restore", `{"path":"csv/x/items.csv","dryRun":true,"expectedSize":12}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, ops.restoreReq.DryRun)
	assert.EqualValues(t, 12, ops.restoreReq.ExpectedSize)
}

func TestPurgeRoutes(t *testing.T) {
	ops := &fakeOps{}
	s := NewServer(ops, nil)

	rr := do(t, s, http.MethodPost, "/api/purge", `{"confirmText":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), purge.FullConfirmText)

	rr = do(t, s, http.MethodPost, "/api/purge", fmt.Sprintf(`{"confirmText":%q}`, purge.FullConfirmText))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodPost, "/api/purge/selective", `{"confirmText":"x","keepLatestDatabaseCount":3}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, ops.selective.KeepLatestDatabaseCount)
	assert.Equal(t, 3, *ops.selective.KeepLatestDatabaseCount)
	assert.Nil(t, ops.selective.DryRun)
}

func TestListBackupsSortsOldestFirst(t *testing.T) {
	rr := do(t, NewServer(&fakeOps{}, nil), http.MethodGet, "/api/backups", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Backups []storage.Entry `json:"backups"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "csv/a/items.csv", body.Backups[0].Path)
}

func TestDownloadURL(t *testing.T) {
	ops := &fakeOps{}
	s := NewServer(ops, nil)

	rr := do(t, s, http.MethodGet, "/api/backups/download?provider=s3&path=csv/a/items.csv&expiry=30m", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 30*time.Minute, ops.expiry)
	assert.Contains(t, rr.Body.String(), "https://bucket.example.com/csv/a/items.csv?sig=abc")

	rr = do(t, s, http.MethodGet, "/api/backups/download?path=csv/a/items.csv", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, ops.expiry)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/backups/download?path=x&expiry=soon", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/backups/download?path=x&expiry=-1m", "").Code)
}

func TestHistoryRoutes(t *testing.T) {
	ops := &fakeOps{}
	s := NewServer(ops, nil)

	rr := do(t, s, http.MethodGet, "/api/history?operation=backup&kind=csv&limit=500&offset=10&from=2024-06-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, metadata.OperationBackup, ops.filter.OperationType)
	assert.Equal(t, "csv", ops.filter.TargetKind)
	assert.Equal(t, 200, ops.filter.Limit)
	assert.Equal(t, 10, ops.filter.Offset)
	require.NotNil(t, ops.filter.StartDate)
	assert.Nil(t, ops.filter.EndDate)
	assert.Contains(t, rr.Body.String(), `"total":7`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/history?to=yesterday", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/history/h1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/history/nope", "").Code)
}

func TestConfigRoutes(t *testing.T) {
	s := NewServer(&fakeOps{}, nil)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/config", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/api/config/storage", `{"provider":"local"}`).Code)

	rr := do(t, s, http.MethodGet, "/api/config/versions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"limit":50`)

	rr = do(t, s, http.MethodGet, "/api/schedules", "")
	assert.Contains(t, rr.Body.String(), "csv-items")
}
