// Package adminserver provides the HTTP server for administering GoBackupGuard.
package adminserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/admin"
	"github.com/supporttools/GoBackupGuard/pkg/backup"
	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/configstore"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/imports"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/purge"
	"github.com/supporttools/GoBackupGuard/pkg/scheduler"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

// ActorHeader names the operator recorded on configuration versions
const ActorHeader = "X-Backup-Actor"

// Operations is the admin service behind the routes. *admin.Service
// implements it.
type Operations interface {
	Config(ctx context.Context) (*config.Document, error)
	Schedules() []scheduler.Entry
	AddTarget(ctx context.Context, actor string, spec config.TargetSpec) (*config.Document, error)
	UpdateTarget(ctx context.Context, actor string, kind config.Kind, source string, spec config.TargetSpec) (*config.Document, error)
	DeleteTarget(ctx context.Context, actor string, kind config.Kind, source string) (*config.Document, error)
	UpdateStorage(ctx context.Context, actor string, sc config.StorageConfig) (*config.Document, error)
	RunBackup(ctx context.Context, kind config.Kind, source string) (*backup.RunReport, error)
	RunImport(ctx context.Context, id string) (*imports.Summary, error)
	Restore(ctx context.Context, req backup.RestoreRequest) (*backup.RestoreResponse, error)
	ListBackups(ctx context.Context, provider, prefix string) ([]storage.Entry, error)
	DownloadURL(ctx context.Context, provider, path string, expiry time.Duration) (string, error)
	PurgeAll(ctx context.Context, actor, confirmText string) (*purge.Report, error)
	PurgeSelective(ctx context.Context, actor string, req admin.SelectivePurgeRequest) (*purge.Report, error)
	History(ctx context.Context, filter metadata.HistoryFilter) ([]metadata.BackupHistory, int64, error)
	HistoryRecord(ctx context.Context, id string) (*metadata.BackupHistory, error)
	ConfigVersions(ctx context.Context, offset, limit int) ([]configstore.Version, int64, error)
}

// Server represents the admin HTTP server
type Server struct {
	router     chi.Router
	ops        Operations
	log        logrus.FieldLogger
	httpServer *http.Server
}

// NewServer creates a new admin server instance
func NewServer(ops Operations, log logrus.FieldLogger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		ops:    ops,
		log:    logging.OrDiscard(log).WithField("component", "adminserver"),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequest)
	s.router.Use(middleware.Recoverer)
	s.registerRoutes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on port in the background
func (s *Server) Start(port string) *http.Server {
	s.httpServer = &http.Server{
		Addr:        ":" + port,
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		// backups, restores and purges run inside the request
		WriteTimeout: 0,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		s.log.WithField("port", port).Info("Admin server running")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Fatal("Admin server failed")
		}
	}()
	return s.httpServer
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthCheckHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.getConfigHandler)
		r.Put("/config/storage", s.updateStorageHandler)
		r.Get("/config/versions", s.configVersionsHandler)

		r.Get("/targets", s.listTargetsHandler)
		r.Post("/targets", s.addTargetHandler)
		r.Put("/targets/{kind}", s.updateTargetHandler)
		r.Delete("/targets/{kind}", s.deleteTargetHandler)
		r.Post("/targets/{kind}/run", s.runBackupHandler)

		r.Get("/schedules", s.schedulesHandler)
		r.Post("/imports/{id}/run", s.runImportHandler)

		r.Get("/backups", s.listBackupsHandler)
		r.Get("/backups/download", s.downloadURLHandler)
		r.Post("/restore", s.restoreHandler)
		r.Post("/purge", s.purgeAllHandler)
		r.Post("/purge/selective", s.purgeSelectiveHandler)

		r.Get("/history", s.listHistoryHandler)
		r.Get("/history/{id}", s.getHistoryHandler)
	})
}

// logRequest logs each request and counts it by route pattern
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.AdminRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   status,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return "admin"
}
