package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/adverify/siteauditor/internal/audit"
)

// BeginAudit inserts an in-progress audit row at job pickup. A worker that
// dies before SaveAudit leaves this row behind for SupersedeStale.
func (s *Store) BeginAudit(ctx context.Context, siteID string, url string) error {
	const query = `
INSERT INTO audits (site_id, url, audited_at, status)
VALUES ($1, $2, $3, 'in_progress')`
	if _, err := s.pool.Exec(ctx, query, siteID, url, s.clock.Now()); err != nil {
		return fmt.Errorf("begin audit for %s: %w", siteID, err)
	}
	return nil
}

// SaveAudit completes the site's pending in-progress row with the payload
// and quality assessment, stored as JSON alongside the indexed columns. When
// no in-progress row exists (an audit started outside the queue) a completed
// row is inserted directly.
func (s *Store) SaveAudit(ctx context.Context, payload audit.AuditPayload, quality audit.DataQualityAssessment) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	qualityJSON, err := json.Marshal(quality)
	if err != nil {
		return fmt.Errorf("marshal quality assessment: %w", err)
	}

	const complete = `
UPDATE audits
SET audited_at = $2, risk_score = $3, status = 'complete', payload = $4, quality = $5
WHERE id = (
	SELECT id FROM audits
	WHERE site_id = $1 AND status = 'in_progress'
	ORDER BY audited_at DESC
	LIMIT 1
)`
	tag, err := s.pool.Exec(ctx, complete,
		payload.SiteID,
		payload.AuditedAt,
		payload.RiskScore,
		payloadJSON,
		qualityJSON,
	)
	if err != nil {
		return fmt.Errorf("complete audit for %s: %w", payload.SiteID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	const insert = `
INSERT INTO audits (site_id, url, audited_at, risk_score, status, payload, quality)
VALUES ($1, $2, $3, $4, 'complete', $5, $6)`
	if _, err := s.pool.Exec(ctx, insert,
		payload.SiteID,
		payload.URL,
		payload.AuditedAt,
		payload.RiskScore,
		payloadJSON,
		qualityJSON,
	); err != nil {
		return fmt.Errorf("insert audit for %s: %w", payload.SiteID, err)
	}
	return nil
}

// PreviousAudit returns the most recent completed audit for a site, or nil
// when the site has never been audited.
func (s *Store) PreviousAudit(ctx context.Context, siteID string) (*audit.AuditPayload, error) {
	const query = `
SELECT payload
FROM audits
WHERE site_id = $1 AND status = 'complete'
ORDER BY audited_at DESC
LIMIT 1`
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx, query, siteID).Scan(&payloadJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load previous audit for %s: %w", siteID, err)
	}

	var payload audit.AuditPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("decode previous audit for %s: %w", siteID, err)
	}
	return &payload, nil
}

// RiskTrajectory returns the publisher's risk history over the rolling
// window, oldest first.
func (s *Store) RiskTrajectory(ctx context.Context, publisherID string, daysBack int) ([]audit.RiskTrajectoryPoint, error) {
	const query = `
SELECT a.audited_at, a.risk_score
FROM audits a
JOIN publishers p ON p.site_id = a.site_id
WHERE p.id = $1 AND a.status = 'complete' AND a.audited_at >= $2
ORDER BY a.audited_at ASC`
	since := s.clock.Now().AddDate(0, 0, -daysBack)
	rows, err := s.pool.Query(ctx, query, publisherID, since)
	if err != nil {
		return nil, fmt.Errorf("load risk trajectory for %s: %w", publisherID, err)
	}
	defer rows.Close()

	var points []audit.RiskTrajectoryPoint
	for rows.Next() {
		var p audit.RiskTrajectoryPoint
		if err := rows.Scan(&p.AuditDate, &p.RiskScore); err != nil {
			return nil, fmt.Errorf("scan trajectory point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trajectory rows: %w", err)
	}
	return points, nil
}

// SupersedeStale marks audits stuck in progress for longer than olderThan as
// superseded and reports how many rows were affected. Stale rows come from
// crashed workers; superseding them keeps the one-in-flight invariant honest.
func (s *Store) SupersedeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	const query = `
UPDATE audits
SET status = 'superseded'
WHERE status = 'in_progress' AND audited_at < $1`
	cutoff := s.clock.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("supersede stale audits: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
