// Package audit defines the core domain types and collaborator contracts
// shared by the orchestration, analysis, and scheduling components.
package audit

import "time"

// CrawlInput is the crawl result handed to the orchestrator. It is produced
// by a crawler collaborator and treated as read-only by every probe.
type CrawlInput struct {
	URL        string
	Title      string
	HTML       string
	Text       string
	Links      []string
	IFrames    []string
	AdElements []AdElement
	LoadTimeMs int64
	Viewport   Viewport
}

// AdElement describes one ad slot extracted from the rendered page.
type AdElement struct {
	Selector    string
	Width       int
	Height      int
	Network     string
	AutoRefresh bool
}

// Viewport captures the rendered page dimensions used for density math.
type Viewport struct {
	Width  int
	Height int
}

// Area returns the viewport area in pixels, defaulting to 1920x1080 when the
// crawler did not report dimensions.
func (v Viewport) Area() float64 {
	w, h := v.Width, v.Height
	if w <= 0 {
		w = 1920
	}
	if h <= 0 {
		h = 1080
	}
	return float64(w) * float64(h)
}

// ProbeMetrics is the canonical tagged union of per-probe outputs. Exactly one
// variant is set for a given probe; the zero value means "no data".
type ProbeMetrics struct {
	Content   *ContentMetrics   `json:"content,omitempty"`
	Ads       *AdMetrics        `json:"ads,omitempty"`
	Policy    *PolicyMetrics    `json:"policy,omitempty"`
	Technical *TechnicalMetrics `json:"technical,omitempty"`
}

// ContentMetrics holds the content probe output.
type ContentMetrics struct {
	TextLength   int      `json:"text_length"`
	WordCount    int      `json:"word_count"`
	EntropyScore float64  `json:"entropy_score"`
	QualityScore float64  `json:"quality_score"`
	Categories   []string `json:"categories"`
	Sentiment    string   `json:"sentiment"`
}

// AdMetrics holds the ad probe output. AdDensity is a ratio in [0,1].
type AdMetrics struct {
	AdCount       int      `json:"ad_count"`
	AdIFrameCount int      `json:"ad_iframe_count"`
	AdDensity     float64  `json:"ad_density"`
	AutoRefresh   bool     `json:"auto_refresh"`
	Networks      []string `json:"networks"`
}

// PolicyMetrics holds the policy probe output.
type PolicyMetrics struct {
	PagesFound   []string          `json:"pages_found"`
	PagesMissing []string          `json:"pages_missing"`
	Violations   []PolicyViolation `json:"violations"`
}

// PolicyViolation is one detected policy problem.
type PolicyViolation struct {
	Code        string   `json:"code"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// TechnicalMetrics holds the technical probe output. HealthScore is 0-100.
type TechnicalMetrics struct {
	PageLoadMs  int64   `json:"page_load_ms"`
	HTTPSOnly   bool    `json:"https_only"`
	IFrameCount int     `json:"iframe_count"`
	LinkCount   int     `json:"link_count"`
	HealthScore float64 `json:"health_score"`
}

// ProbeResult records one probe's final outcome for an audit. Timed-out,
// errored, and empty outcomes are distinct conditions; none of them is
// signalled by a Go error past the orchestrator.
type ProbeResult struct {
	Probe      string        `json:"probe"`
	Success    bool          `json:"success"`
	Metrics    *ProbeMetrics `json:"metrics,omitempty"`
	Error      string        `json:"error,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Attempts   int           `json:"attempts"`
	DurationMs int64         `json:"duration_ms"`
}

// AuditPayload is the merged, immutable result of all probes for one site
// visit. RiskScore is on a 0-100 scale.
type AuditPayload struct {
	SiteID    string                 `json:"site_id"`
	URL       string                 `json:"url"`
	AuditedAt time.Time              `json:"audited_at"`
	RiskScore float64                `json:"risk_score"`
	Results   map[string]ProbeResult `json:"results"`
}

// Content returns the content metrics if the content probe produced any.
func (p AuditPayload) Content() *ContentMetrics {
	if r, ok := p.Results[ProbeContent]; ok && r.Metrics != nil {
		return r.Metrics.Content
	}
	return nil
}

// Ads returns the ad metrics if the ad probe produced any.
func (p AuditPayload) Ads() *AdMetrics {
	if r, ok := p.Results[ProbeAds]; ok && r.Metrics != nil {
		return r.Metrics.Ads
	}
	return nil
}

// Policy returns the policy metrics if the policy probe produced any.
func (p AuditPayload) Policy() *PolicyMetrics {
	if r, ok := p.Results[ProbePolicy]; ok && r.Metrics != nil {
		return r.Metrics.Policy
	}
	return nil
}

// Technical returns the technical metrics if the technical probe produced any.
func (p AuditPayload) Technical() *TechnicalMetrics {
	if r, ok := p.Results[ProbeTechnical]; ok && r.Metrics != nil {
		return r.Metrics.Technical
	}
	return nil
}

// Well-known probe names.
const (
	ProbeContent   = "content"
	ProbeAds       = "ads"
	ProbePolicy    = "policy"
	ProbeTechnical = "technical"
)

// QualityLevel buckets a data-quality score.
type QualityLevel string

// Quality levels, best to worst.
const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityWarning   QualityLevel = "warning"
	QualityCritical  QualityLevel = "critical"
)

// QualityFailure records why one probe did not contribute usable data.
type QualityFailure struct {
	Module    string    `json:"module"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DataQualityAssessment is derived deterministically from an AuditPayload and
// never mutated afterwards.
type DataQualityAssessment struct {
	Score            float64          `json:"score"`
	Level            QualityLevel     `json:"level"`
	IsComplete       bool             `json:"is_complete"`
	MetricsCollected map[string]bool  `json:"metrics_collected"`
	Failures         []QualityFailure `json:"failures"`
}

// Severity tags changes and alerts.
type Severity string

// Severities, least to most urgent.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ChangeType classifies a detected delta.
type ChangeType string

// Change types emitted by the delta detector.
const (
	ChangeIncrease    ChangeType = "increase"
	ChangeDecrease    ChangeType = "decrease"
	ChangeAddition    ChangeType = "addition"
	ChangeRemoval     ChangeType = "removal"
	ChangeEnabled     ChangeType = "enabled"
	ChangeDisabled    ChangeType = "disabled"
	ChangeDegradation ChangeType = "degradation"
	ChangeImprovement ChangeType = "improvement"
	ChangeModified    ChangeType = "change"
)

// Change is one categorized difference between two successive audits.
type Change struct {
	Category string     `json:"category"`
	Type     ChangeType `json:"type"`
	Metric   string     `json:"metric"`
	OldValue any        `json:"old_value,omitempty"`
	NewValue any        `json:"new_value,omitempty"`
	Delta    float64    `json:"delta,omitempty"`
	Severity Severity   `json:"severity"`
}

// DeltaReport is the structured diff between the current audit and the
// previous one for the same site. Recomputed fresh on every comparison.
type DeltaReport struct {
	IsFirstAudit bool     `json:"is_first_audit"`
	Changes      []Change `json:"changes"`
	ChangeCount  int      `json:"change_count"`
}

// RiskTrajectoryPoint is one sample of a publisher's risk history.
type RiskTrajectoryPoint struct {
	AuditDate time.Time `json:"audit_date"`
	RiskScore float64   `json:"risk_score"`
}

// AlertStatus tracks the notification lifecycle of an alert.
type AlertStatus string

// Alert statuses. An alert transitions active -> notified exactly once.
const (
	AlertActive   AlertStatus = "active"
	AlertNotified AlertStatus = "notified"
)

// Alert is an actionable finding produced by the pattern analyzer.
type Alert struct {
	ID          string         `json:"id"`
	PublisherID string         `json:"publisher_id"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      AlertStatus    `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	NotifiedAt  *time.Time     `json:"notified_at,omitempty"`
}

// Insight is an informational finding that does not warrant an alert.
type Insight struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}

// Publisher is the scheduling view of an audited site.
type Publisher struct {
	ID          string
	SiteID      string
	SiteURL     string
	RiskScore   float64
	LastAuditAt *time.Time
}

// ScheduleDefinition is an externally configured audit schedule.
type ScheduleDefinition struct {
	ID             string
	CronExpression string
	Interval       time.Duration
	LastRunAt      *time.Time
}

// ExecutionStatus is the outcome of one schedule run.
type ExecutionStatus string

// Schedule run outcomes.
const (
	RunCompleted       ExecutionStatus = "completed"
	RunCompletedNoJobs ExecutionStatus = "completed_no_jobs"
	RunCompletedErrors ExecutionStatus = "completed_with_errors"
	RunFailed          ExecutionStatus = "failed"
)

// ScheduleExecution is the per-run state persisted against a schedule. This is
// the only schedule-run state that must survive a restart.
type ScheduleExecution struct {
	LastRunAt  time.Time
	JobsQueued int
	Status     ExecutionStatus
	DurationMs int64
	Error      string
}

// Recipient is a resolved alert recipient.
type Recipient struct {
	Email string
}
