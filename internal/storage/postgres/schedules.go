package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/adverify/siteauditor/internal/audit"
)

// ListActiveSchedules returns every enabled schedule definition.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]audit.ScheduleDefinition, error) {
	const query = `
SELECT id, cron_expression, interval_seconds, last_run_at
FROM schedules
WHERE active
ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active schedules: %w", err)
	}
	defer rows.Close()

	var defs []audit.ScheduleDefinition
	for rows.Next() {
		var (
			def             audit.ScheduleDefinition
			intervalSeconds int64
		)
		if err := rows.Scan(&def.ID, &def.CronExpression, &intervalSeconds, &def.LastRunAt); err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		def.Interval = time.Duration(intervalSeconds) * time.Second
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule rows: %w", err)
	}
	return defs, nil
}

// UpdateScheduleExecution persists the outcome of one schedule run. This is
// the only run state that must survive a restart.
func (s *Store) UpdateScheduleExecution(ctx context.Context, scheduleID string, exec audit.ScheduleExecution) error {
	const query = `
UPDATE schedules
SET last_run_at = $2,
    last_jobs_queued = $3,
    last_status = $4,
    last_duration_ms = $5,
    last_error = $6
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query,
		scheduleID,
		exec.LastRunAt,
		exec.JobsQueued,
		string(exec.Status),
		exec.DurationMs,
		exec.Error,
	); err != nil {
		return fmt.Errorf("update schedule execution %s: %w", scheduleID, err)
	}
	return nil
}

// DuePublishers returns publishers whose last audit is older than interval,
// including publishers never audited.
func (s *Store) DuePublishers(ctx context.Context, interval time.Duration) ([]audit.Publisher, error) {
	const query = `
SELECT id, site_id, site_url, risk_score, last_audit_at
FROM publishers
WHERE active AND (last_audit_at IS NULL OR last_audit_at <= $1)
ORDER BY id`
	cutoff := s.clock.Now().Add(-interval)
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list due publishers: %w", err)
	}
	defer rows.Close()

	var pubs []audit.Publisher
	for rows.Next() {
		var p audit.Publisher
		if err := rows.Scan(&p.ID, &p.SiteID, &p.SiteURL, &p.RiskScore, &p.LastAuditAt); err != nil {
			return nil, fmt.Errorf("scan publisher row: %w", err)
		}
		pubs = append(pubs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publisher rows: %w", err)
	}
	return pubs, nil
}

// ListAdminRecipients returns the active alert recipients.
func (s *Store) ListAdminRecipients(ctx context.Context) ([]audit.Recipient, error) {
	const query = `
SELECT email
FROM admin_recipients
WHERE active
ORDER BY email`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list admin recipients: %w", err)
	}
	defer rows.Close()

	var recipients []audit.Recipient
	for rows.Next() {
		var r audit.Recipient
		if err := rows.Scan(&r.Email); err != nil {
			return nil, fmt.Errorf("scan recipient row: %w", err)
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipient rows: %w", err)
	}
	return recipients, nil
}
