package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverify/siteauditor/internal/audit"
)

// CreateAlerts inserts a batch of newly raised alerts.
func (s *Store) CreateAlerts(ctx context.Context, alerts []audit.Alert) error {
	const query = `
INSERT INTO alerts (id, publisher_id, type, severity, message, metadata, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, a := range alerts {
		metadataJSON, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshal alert metadata: %w", err)
		}
		if _, err := s.pool.Exec(ctx, query,
			a.ID,
			a.PublisherID,
			a.Type,
			string(a.Severity),
			a.Message,
			metadataJSON,
			string(a.Status),
			a.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert alert %s: %w", a.ID, err)
		}
	}
	return nil
}

// ListPending returns up to limit active alerts, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]audit.Alert, error) {
	const query = `
SELECT id, publisher_id, type, severity, message, metadata, created_at
FROM alerts
WHERE status = 'active' AND notified_at IS NULL
ORDER BY created_at ASC
LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending alerts: %w", err)
	}
	defer rows.Close()

	var alerts []audit.Alert
	for rows.Next() {
		var (
			a            audit.Alert
			severity     string
			metadataJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.PublisherID, &a.Type, &severity, &a.Message, &metadataJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		a.Severity = audit.Severity(severity)
		a.Status = audit.AlertActive
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode alert metadata for %s: %w", a.ID, err)
			}
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}
	return alerts, nil
}

// MarkNotified transitions the given alerts to notified.
func (s *Store) MarkNotified(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
UPDATE alerts
SET status = 'notified', notified_at = $1
WHERE id = ANY($2)`
	if _, err := s.pool.Exec(ctx, query, at, ids); err != nil {
		return fmt.Errorf("mark alerts notified: %w", err)
	}
	return nil
}
