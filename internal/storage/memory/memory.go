// Package memory provides in-memory implementations of the persistence
// contracts for one-shot CLI runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adverify/siteauditor/internal/audit"
)

type auditRecord struct {
	payload audit.AuditPayload
	quality audit.DataQualityAssessment
}

// Store keeps all state in process memory. Safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	audits     map[string][]auditRecord // keyed by site id, append order
	inProgress map[string]time.Time     // site id -> audit start time
	alerts     []audit.Alert
	schedules  []audit.ScheduleDefinition
	publishers []audit.Publisher
	recipients []audit.Recipient
	clock      audit.Clock
}

// New creates an empty Store.
func New(clock audit.Clock) *Store {
	return &Store{
		audits:     make(map[string][]auditRecord),
		inProgress: make(map[string]time.Time),
		clock:      clock,
	}
}

// SeedPublishers replaces the publisher set.
func (s *Store) SeedPublishers(pubs []audit.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = pubs
}

// SeedSchedules replaces the schedule set.
func (s *Store) SeedSchedules(defs []audit.ScheduleDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = defs
}

// SeedRecipients replaces the recipient set.
func (s *Store) SeedRecipients(recipients []audit.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients = recipients
}

// BeginAudit marks an audit for the site as in progress.
func (s *Store) BeginAudit(_ context.Context, siteID string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress[siteID] = s.clock.Now()
	return nil
}

// SaveAudit completes the site's in-progress audit, appends the record, and
// updates the owning publisher's risk score and last-audit time.
func (s *Store) SaveAudit(_ context.Context, payload audit.AuditPayload, quality audit.DataQualityAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, payload.SiteID)
	s.audits[payload.SiteID] = append(s.audits[payload.SiteID], auditRecord{payload: payload, quality: quality})
	for i := range s.publishers {
		if s.publishers[i].SiteID == payload.SiteID {
			at := payload.AuditedAt
			s.publishers[i].LastAuditAt = &at
			s.publishers[i].RiskScore = payload.RiskScore
		}
	}
	return nil
}

// PreviousAudit returns the most recently saved audit for a site, or nil.
func (s *Store) PreviousAudit(_ context.Context, siteID string) (*audit.AuditPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.audits[siteID]
	if len(records) == 0 {
		return nil, nil
	}
	payload := records[len(records)-1].payload
	return &payload, nil
}

// RiskTrajectory returns the publisher's audit history within the window,
// oldest first.
func (s *Store) RiskTrajectory(_ context.Context, publisherID string, daysBack int) ([]audit.RiskTrajectoryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var siteID string
	for _, p := range s.publishers {
		if p.ID == publisherID {
			siteID = p.SiteID
			break
		}
	}
	if siteID == "" {
		return nil, nil
	}

	since := s.clock.Now().AddDate(0, 0, -daysBack)
	var points []audit.RiskTrajectoryPoint
	for _, rec := range s.audits[siteID] {
		if rec.payload.AuditedAt.Before(since) {
			continue
		}
		points = append(points, audit.RiskTrajectoryPoint{
			AuditDate: rec.payload.AuditedAt,
			RiskScore: rec.payload.RiskScore,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].AuditDate.Before(points[j].AuditDate) })
	return points, nil
}

// SupersedeStale drops in-progress markers older than olderThan, which a
// worker abandoned without completing, and reports how many were removed.
func (s *Store) SupersedeStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-olderThan)
	n := 0
	for siteID, startedAt := range s.inProgress {
		if startedAt.Before(cutoff) {
			delete(s.inProgress, siteID)
			n++
		}
	}
	return n, nil
}

// CreateAlerts appends alerts.
func (s *Store) CreateAlerts(_ context.Context, alerts []audit.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alerts...)
	return nil
}

// ListPending returns up to limit active alerts, oldest first.
func (s *Store) ListPending(_ context.Context, limit int) ([]audit.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Alert
	for _, a := range s.alerts {
		if a.Status == audit.AlertActive && a.NotifiedAt == nil && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

// MarkNotified transitions the given alerts to notified.
func (s *Store) MarkNotified(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	for i := range s.alerts {
		if _, ok := idSet[s.alerts[i].ID]; ok {
			s.alerts[i].Status = audit.AlertNotified
			notifiedAt := at
			s.alerts[i].NotifiedAt = &notifiedAt
		}
	}
	return nil
}

// Alerts returns a copy of all alerts, for inspection.
func (s *Store) Alerts() []audit.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Alert(nil), s.alerts...)
}

// ListActiveSchedules returns the seeded schedules.
func (s *Store) ListActiveSchedules(context.Context) ([]audit.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.ScheduleDefinition(nil), s.schedules...), nil
}

// UpdateScheduleExecution records the run outcome on the schedule.
func (s *Store) UpdateScheduleExecution(_ context.Context, scheduleID string, exec audit.ScheduleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.schedules {
		if s.schedules[i].ID == scheduleID {
			at := exec.LastRunAt
			s.schedules[i].LastRunAt = &at
			return nil
		}
	}
	return fmt.Errorf("unknown schedule %q", scheduleID)
}

// DuePublishers returns publishers not audited within interval.
func (s *Store) DuePublishers(_ context.Context, interval time.Duration) ([]audit.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-interval)
	var due []audit.Publisher
	for _, p := range s.publishers {
		if p.LastAuditAt == nil || !p.LastAuditAt.After(cutoff) {
			due = append(due, p)
		}
	}
	return due, nil
}

// ListAdminRecipients returns the seeded recipients.
func (s *Store) ListAdminRecipients(context.Context) ([]audit.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Recipient(nil), s.recipients...), nil
}
