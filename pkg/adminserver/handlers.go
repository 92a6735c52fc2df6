package adminserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/admin"
	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/purge"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
	"github.com/supporttools/GoBackupGuard/pkg/scheduler"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/verify"
	"github.com/supporttools/GoBackupGuard/pkg/version"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a service error onto an HTTP status
func statusFor(err error) int {
	var (
		confirm   *purge.ConfirmationError
		safety    *purge.SafetyAbortError
		running   *scheduler.AlreadyRunningError
		integrity *verify.IntegrityError
		auth      *storage.AuthError
		pre       *backup.PreBackupError
	)
	switch {
	case config.IsConfigurationError(err), errors.As(err, &confirm), errors.As(err, &safety):
		return http.StatusBadRequest
	case errors.Is(err, admin.ErrTargetNotFound), history.IsNotFound(err), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.As(err, &running):
		return http.StatusConflict
	case errors.As(err, &integrity):
		return http.StatusUnprocessableEntity
	case errors.As(err, &auth):
		return http.StatusBadGateway
	case errors.As(err, &pre):
		return http.StatusInternalServerError
	}
	if _, ok := ratelimit.AsDeferred(err); ok {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if deferred, ok := ratelimit.AsDeferred(err); ok {
		secs := int(time.Until(deferred.CooldownUntil).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	log := s.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		log.Error("Admin request failed")
	} else {
		log.Warn("Admin request rejected")
	}
	writeError(w, status, err.Error())
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// healthCheckHandler returns a simple health status
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ops.Config(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) updateStorageHandler(w http.ResponseWriter, r *http.Request) {
	var sc config.StorageConfig
	if err := decode(r, &sc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.ops.UpdateStorage(r.Context(), actor(r), sc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) configVersionsHandler(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	versions, total, err := s.ops.ConfigVersions(r.Context(), offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) listTargetsHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ops.Config(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"targets": doc.Targets,
		"count":   len(doc.Targets),
	})
}

func (s *Server) addTargetHandler(w http.ResponseWriter, r *http.Request) {
	var spec config.TargetSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.ops.AddTarget(r.Context(), actor(r), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// targetKey reads the {kind} route parameter and the source query parameter.
// Sources are paths and URLs, so they travel in the query string.
func targetKey(r *http.Request) (config.Kind, string, error) {
	kind := config.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		return "", "", fmt.Errorf("unknown backup kind %q", kind)
	}
	source := r.URL.Query().Get("source")
	if source == "" && kind != config.KindImage {
		return "", "", fmt.Errorf("missing required parameter: source")
	}
	return kind, source, nil
}

func (s *Server) updateTargetHandler(w http.ResponseWriter, r *http.Request) {
	kind, source, err := targetKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var spec config.TargetSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.ops.UpdateTarget(r.Context(), actor(r), kind, source, spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) deleteTargetHandler(w http.ResponseWriter, r *http.Request) {
	kind, source, err := targetKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.ops.DeleteTarget(r.Context(), actor(r), kind, source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// runBackupHandler runs a backup and waits for the per-provider results
func (s *Server) runBackupHandler(w http.ResponseWriter, r *http.Request) {
	kind, source, err := targetKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.ops.RunBackup(r.Context(), kind, source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Succeeded() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"success": report.Succeeded(),
		"kind":    report.Kind,
		"source":  config.RedactURL(report.Source),
		"results": report.Results,
	})
}

func (s *Server) schedulesHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.ops.Schedules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": entries,
		"count":     len(entries),
	})
}

func (s *Server) runImportHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ops.RunImport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.ops.ListBackups(r.Context(), q.Get("provider"), q.Get("prefix"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	storage.SortOldestFirst(entries)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": entries,
		"count":   len(entries),
	})
}

// downloadURLHandler hands out a presigned URL for one backup. expiry is a
// Go duration such as 30m.
func (s *Server) downloadURLHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var expiry time.Duration
	if raw := q.Get("expiry"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid expiry: must be a positive duration")
			return
		}
		expiry = d
	}
	url, err := s.ops.DownloadURL(r.Context(), q.Get("provider"), q.Get("path"), expiry)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "path": q.Get("path")})
}

func (s *Server) restoreHandler(w http.ResponseWriter, r *http.Request) {
	var req backup.RestoreRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.ops.Restore(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type purgeRequest struct {
	ConfirmText string `json:"confirmText"`
}

func (s *Server) purgeAllHandler(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.ops.PurgeAll(r.Context(), actor(r), req.ConfirmText)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) purgeSelectiveHandler(w http.ResponseWriter, r *http.Request) {
	var req admin.SelectivePurgeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.ops.PurgeSelective(r.Context(), actor(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listHistoryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := pagination(r)
	filter := metadata.HistoryFilter{
		OperationType: strings.ToUpper(q.Get("operation")),
		TargetKind:    q.Get("kind"),
		Status:        strings.ToUpper(q.Get("status")),
		Offset:        offset,
		Limit:         limit,
	}
	for param, dst := range map[string]**time.Time{"from": &filter.StartDate, "to": &filter.EndDate} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: must be RFC 3339", param))
			return
		}
		*dst = &t
	}

	records, total, err := s.ops.History(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": records,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

func (s *Server) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	record, err := s.ops.HistoryRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// pagination reads offset and limit, clamping limit to maxLimit
func pagination(r *http.Request) (int, int) {
	offset, limit := 0, defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit
}
