package audit

import (
	"context"
	"time"
)

// Probe extracts one category of metrics from a crawled page. Implementations
// must be idempotent and side-effect free; the orchestrator owns timeouts and
// retries.
type Probe interface {
	Name() string
	Analyze(ctx context.Context, input CrawlInput) (*ProbeMetrics, error)
}

// Fetcher turns a URL into a CrawlInput. The concrete crawler is a
// replaceable collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (CrawlInput, error)
}

// AuditStore persists audit payloads and serves historical reads. BeginAudit
// records an in-progress audit at job pickup; SaveAudit completes it. A
// worker that dies in between leaves the in-progress record for
// SupersedeStale to reap.
type AuditStore interface {
	BeginAudit(ctx context.Context, siteID string, url string) error
	SaveAudit(ctx context.Context, payload AuditPayload, quality DataQualityAssessment) error
	PreviousAudit(ctx context.Context, siteID string) (*AuditPayload, error)
	RiskTrajectory(ctx context.Context, publisherID string, daysBack int) ([]RiskTrajectoryPoint, error)
	SupersedeStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// AlertStore persists alerts and their notification lifecycle.
type AlertStore interface {
	CreateAlerts(ctx context.Context, alerts []Alert) error
	ListPending(ctx context.Context, limit int) ([]Alert, error)
	MarkNotified(ctx context.Context, ids []string, at time.Time) error
}

// ScheduleStore reads schedule definitions and records run outcomes.
type ScheduleStore interface {
	ListActiveSchedules(ctx context.Context) ([]ScheduleDefinition, error)
	UpdateScheduleExecution(ctx context.Context, scheduleID string, exec ScheduleExecution) error
}

// PublisherStore selects publishers due for an audit.
type PublisherStore interface {
	DuePublishers(ctx context.Context, interval time.Duration) ([]Publisher, error)
}

// RecipientDirectory resolves the admin recipients for alert dispatch.
type RecipientDirectory interface {
	ListAdminRecipients(ctx context.Context) ([]Recipient, error)
}

// NotificationTransport delivers one alert to one recipient. A failed send is
// an expected condition and must be returned, never panicked.
type NotificationTransport interface {
	Send(ctx context.Context, alert Alert, publisherID string, recipientEmail string) error
}

// SnapshotStore archives raw fetched HTML and returns a URI.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
