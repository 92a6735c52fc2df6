// Package metrics provides Prometheus metrics for backup, restore and import operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of backups performed
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_backup_total",
		Help: "The total number of backups performed",
	}, []string{"kind", "provider", "status"})

	// BackupDuration measures time taken to perform a backup
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backupguard_backup_duration_seconds",
		Help:    "Time taken to perform a backup",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "provider"})

	// BackupSize tracks size of the last backup payload in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backupguard_backup_size_bytes",
		Help: "Size of the last backup payload in bytes",
	}, []string{"kind", "source", "provider"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backupguard_backup_last_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"kind", "source"})

	// BackupRetentionDeletes counts backups deleted by retention policy
	BackupRetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_retention_deletions_total",
		Help: "The total number of backups deleted by retention policy",
	}, []string{"kind", "provider"})

	// RestoreCount tracks restores by outcome
	RestoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_restore_total",
		Help: "The total number of restores attempted",
	}, []string{"kind", "status"})

	// StorageOperations tracks provider calls by outcome
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_storage_operations_total",
		Help: "Storage provider operations by result",
	}, []string{"provider", "operation", "status"})

	// TokenRefreshes counts OAuth refresh-token exchanges
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_token_refresh_total",
		Help: "OAuth access token refreshes",
	}, []string{"provider", "status"})

	// RateLimitCooldowns counts cooldowns entered by the rate limit gate
	RateLimitCooldowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_rate_limit_cooldowns_total",
		Help: "Cooldowns entered after a rate limit response",
	}, []string{"resource"})

	// RateLimitDeferred counts calls deferred because a cooldown was active
	RateLimitDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_rate_limit_deferred_total",
		Help: "Calls deferred because of an active cooldown",
	}, []string{"resource", "operation"})

	// ImportAttempts counts CSV import attempts by outcome
	ImportAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_import_attempts_total",
		Help: "CSV import attempts by result",
	}, []string{"schedule", "status"})

	// PurgeDeletes counts entries removed by purge operations
	PurgeDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_purge_deletions_total",
		Help: "Entries deleted by full or selective purge",
	}, []string{"mode", "status"})

	// AdminRequests counts admin API requests by route pattern
	AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_admin_requests_total",
		Help: "Admin API requests by method, route and status",
	}, []string{"method", "route", "status"})
)

// StartMetricsServer starts the HTTP server for metrics and health check endpoints
func StartMetricsServer(port string, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.WithField("port", port).Info("Starting metrics server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("Failed to start metrics server")
	}
}
