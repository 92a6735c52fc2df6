package backup

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/history"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
	"github.com/supporttools/GoBackupGuard/pkg/target"
)

// Retention deletes old backups of a target from one provider
type Retention struct {
	svc     *Service
	history *history.Recorder
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewRetention creates a cleanup over svc
func NewRetention(svc *Service, rec *history.Recorder, log logrus.FieldLogger) *Retention {
	log = logging.OrDiscard(log)
	if rec == nil {
		rec = history.NewRecorder(nil, log)
	}
	return &Retention{svc: svc, history: rec, log: log, now: time.Now}
}

// MatchesTarget reports whether a stored path is a backup of info. Paths
// look like <kind>/<timestamp>[-label]/<segment><ext>; everything after the
// timestamp must be exactly the target's segment.
func MatchesTarget(info target.Info, path string) bool {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	if len(parts) != 3 || parts[0] != string(info.Kind) || parts[1] == "" {
		return false
	}
	name, segment := parts[2], info.PathSegment()
	switch info.Kind {
	case config.KindDatabase:
		return name == segment+".sql.gz" || name == segment+".sql"
	case config.KindCSV:
		return name == segment+".csv"
	}
	return name == segment
}

// Cleanup applies policy to info's backups: first the oldest surplus over
// MaxBackups, then anything older than Days. It returns the deleted paths.
// Errors are logged and never returned.
func (r *Retention) Cleanup(ctx context.Context, info target.Info, policy config.RetentionPolicy) []string {
	log := r.log.WithFields(logrus.Fields{
		"kind":     info.Kind,
		"source":   info.Source,
		"provider": r.svc.Provider().Name(),
	})

	entries, err := r.svc.ListBackups(ctx, ListOptions{Prefix: string(info.Kind)})
	if err != nil {
		log.WithError(err).Error("Failed to list backups for retention")
		return nil
	}

	var matched []storage.Entry
	for _, e := range entries {
		if e.Path != "" && MatchesTarget(info, e.Path) {
			matched = append(matched, e)
		}
	}
	storage.SortOldestFirst(matched)

	deleted := map[string]bool{}
	var removed []string
	remove := func(e storage.Entry, reason string) {
		if deleted[e.Path] {
			return
		}
		if err := r.svc.DeleteBackup(ctx, e.Path); err != nil {
			log.WithError(err).WithField("path", e.Path).Error("Failed to delete old backup")
			return
		}
		deleted[e.Path] = true
		removed = append(removed, e.Path)
		metrics.BackupRetentionDeletes.WithLabelValues(string(info.Kind), r.svc.Provider().Name()).Inc()
		log.WithFields(logrus.Fields{"path": e.Path, "reason": reason}).Info("Deleted old backup")
	}

	if policy.MaxBackups > 0 && len(matched) > policy.MaxBackups {
		for _, e := range matched[:len(matched)-policy.MaxBackups] {
			remove(e, "maxBackups")
		}
	}

	if policy.Days > 0 {
		cutoff := r.now().AddDate(0, 0, -policy.Days)
		for _, e := range matched {
			if e.ModifiedAt != nil && e.ModifiedAt.Before(cutoff) {
				remove(e, "days")
			}
		}
	}

	if policy.MaxBackups > 0 {
		r.history.MarkExcessDeleted(ctx, string(info.Kind), info.Source, policy.MaxBackups)
	}
	return removed
}
