package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/logging"
	"github.com/wpfleet/mailvault/internal/server/config"
	"github.com/wpfleet/mailvault/internal/server/metrics"
	"github.com/wpfleet/mailvault/internal/server/models"
	"github.com/wpfleet/mailvault/internal/server/objectstore"
	"github.com/wpfleet/mailvault/internal/server/repositories/packages"
	"github.com/wpfleet/mailvault/internal/server/repositories/repomanager"
	"github.com/wpfleet/mailvault/internal/timex"
	"go.uber.org/multierr"
)

// Sweep step names, used in logs, metrics and errors.
const (
	StepPurgeEmails       = "purge_emails"
	StepPurgePackages     = "purge_packages"
	StepDeleteObjects     = "delete_objects"
	StepPurgeAuditLogs    = "purge_audit_logs"
	StepPurgeRecoveryLogs = "purge_recovery_logs"
	StepCompact           = "compact"
)

// SweepReport summarises one sweep. Err combines the failures of every step
// that failed (see multierr.Errors); the other steps still ran.
type SweepReport struct {
	PurgedEmails       int64
	PurgedPackages     int
	DeletedObjects     int
	PurgedAuditLogs    int64
	PurgedRecoveryLogs int64
	Compacted          bool
	Err                error
}

// RetentionService removes expired data. It is driven by the scheduler.
type RetentionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	store       objectstore.Store
	clock       timex.Clock
	logger      logging.Logger

	storeTimeout         time.Duration
	auditRetention       time.Duration
	recoveryLogRetention time.Duration
}

// NewRetentionService wires the sweeper. store may be nil.
func NewRetentionService(db *sql.DB, m repomanager.RepositoryManager, store objectstore.Store, cfg *config.Config, clock timex.Clock, logger logging.Logger) *RetentionService {
	return &RetentionService{
		db:                   db,
		repomanager:          m,
		store:                store,
		clock:                clock,
		logger:               logger.With("module", "retention"),
		storeTimeout:         cfg.StoreTimeout,
		auditRetention:       cfg.AuditRetention,
		recoveryLogRetention: cfg.RecoveryLogRetention,
	}
}

// Daily purges expired emails and expired recovery packages together with
// their off-site copies.
func (s *RetentionService) Daily(ctx context.Context) *SweepReport {
	report := &SweepReport{}
	now := s.clock.Now()

	s.step(ctx, report, StepPurgeEmails, func(ctx context.Context) error {
		return dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
			var err error
			report.PurgedEmails, err = s.repomanager.Emails(s.db).PurgeExpired(ctx, now)
			return err
		})
	})
	metrics.PurgedRowsTotal.WithLabelValues("encrypted_emails").Add(float64(report.PurgedEmails))

	if s.store == nil {
		s.step(ctx, report, StepPurgePackages, func(ctx context.Context) error {
			return dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
				purged, err := s.repomanager.Packages(s.db).PurgeExpired(ctx, now)
				report.PurgedPackages = len(purged)
				return err
			})
		})
	} else {
		s.purgePackagesWithObjects(ctx, report, now)
	}
	metrics.PurgedRowsTotal.WithLabelValues("recovery_packages").Add(float64(report.PurgedPackages))

	s.logger.Info(ctx, "daily sweep finished",
		"purged_emails", report.PurgedEmails,
		"purged_packages", report.PurgedPackages,
		"deleted_objects", report.DeletedObjects,
		"failed_steps", len(multierr.Errors(report.Err)))
	return report
}

// purgePackagesWithObjects deletes the off-site copy of every expired
// package before its row. A row whose object could not be deleted stays, so
// the next sweep retries it.
func (s *RetentionService) purgePackagesWithObjects(ctx context.Context, report *SweepReport, now time.Time) {
	var expired []packages.Purged
	s.step(ctx, report, StepPurgePackages, func(ctx context.Context) error {
		return dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
			var err error
			expired, err = s.repomanager.Packages(s.db).ListExpired(ctx, now)
			return err
		})
	})
	if len(expired) == 0 {
		return
	}

	var removable []packages.Purged
	s.step(ctx, report, StepDeleteObjects, func(ctx context.Context) error {
		var errs error
		for _, p := range expired {
			if err := s.store.Delete(ctx, objectstore.PackageKey(p.ExportID, p.CreatedAt)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("export %s: %w", p.ExportID, err))
				continue
			}
			report.DeletedObjects++
			removable = append(removable, p)
		}
		return errs
	})

	s.step(ctx, report, StepPurgePackages, func(ctx context.Context) error {
		var errs error
		for _, p := range removable {
			var deleted bool
			err := dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
				var err error
				deleted, err = s.repomanager.Packages(s.db).DeleteExpired(ctx, p.ExportID, now)
				return err
			})
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("export %s: %w", p.ExportID, err))
				continue
			}
			if deleted {
				report.PurgedPackages++
			}
		}
		return errs
	})
}

// Weekly purges audit rows older than the audit retention, recovery log
// rows older than the recovery log retention, and then compacts the tables.
func (s *RetentionService) Weekly(ctx context.Context) *SweepReport {
	report := &SweepReport{}
	now := s.clock.Now()

	s.step(ctx, report, StepPurgeAuditLogs, func(ctx context.Context) error {
		return dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
			var err error
			report.PurgedAuditLogs, err = s.repomanager.AuditLogs(s.db).PurgeOlderThan(ctx, models.AuditKindAudit, now.Add(-s.auditRetention))
			return err
		})
	})

	s.step(ctx, report, StepPurgeRecoveryLogs, func(ctx context.Context) error {
		return dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
			var err error
			report.PurgedRecoveryLogs, err = s.repomanager.AuditLogs(s.db).PurgeOlderThan(ctx, models.AuditKindRecovery, now.Add(-s.recoveryLogRetention))
			return err
		})
	})
	metrics.PurgedRowsTotal.WithLabelValues("audit_logs").Add(float64(report.PurgedAuditLogs + report.PurgedRecoveryLogs))

	// Compaction scans whole tables, so it is not bounded by the store timeout.
	s.step(ctx, report, StepCompact, func(ctx context.Context) error {
		if err := s.repomanager.Compact(ctx, s.db); err != nil {
			return err
		}
		report.Compacted = true
		return nil
	})

	s.logger.Info(ctx, "weekly sweep finished",
		"purged_audit_logs", report.PurgedAuditLogs,
		"purged_recovery_logs", report.PurgedRecoveryLogs,
		"compacted", report.Compacted,
		"failed_steps", len(multierr.Errors(report.Err)))
	return report
}

// step runs fn and records its failure in report without stopping the sweep.
func (s *RetentionService) step(ctx context.Context, report *SweepReport, name string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		metrics.SweepFailuresTotal.WithLabelValues(name).Inc()
		s.logger.Error(ctx, "sweep step failed", "step", name, "error", err)
		report.Err = multierr.Append(report.Err, fmt.Errorf("%s: %w", name, err))
	}
}
