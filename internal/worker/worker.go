// Package worker runs the full audit pipeline for one publisher: crawl,
// probe orchestration, risk scoring, persistence, change detection, and
// alert creation.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/delta"
	"github.com/adverify/siteauditor/internal/orchestrator"
	"github.com/adverify/siteauditor/internal/queue"
	"github.com/adverify/siteauditor/internal/risk"
	"github.com/adverify/siteauditor/internal/telemetry"
	"github.com/adverify/siteauditor/internal/trend"
)

const defaultTrajectoryDays = 90

// Pipeline is the audit job processor plugged into the task queue.
type Pipeline struct {
	fetcher        audit.Fetcher
	orchestrator   *orchestrator.Orchestrator
	engine         *risk.Engine
	audits         audit.AuditStore
	alerts         audit.AlertStore
	snapshots      audit.SnapshotStore
	ids            audit.IDGenerator
	clock          audit.Clock
	logger         *zap.Logger
	trajectoryDays int
}

// NewPipeline creates a Pipeline. snapshots may be nil to disable HTML
// archiving. A trajectoryDays of 0 uses the default rolling window.
func NewPipeline(
	fetcher audit.Fetcher,
	orch *orchestrator.Orchestrator,
	engine *risk.Engine,
	audits audit.AuditStore,
	alerts audit.AlertStore,
	snapshots audit.SnapshotStore,
	ids audit.IDGenerator,
	clock audit.Clock,
	logger *zap.Logger,
	trajectoryDays int,
) *Pipeline {
	if trajectoryDays <= 0 {
		trajectoryDays = defaultTrajectoryDays
	}
	return &Pipeline{
		fetcher:        fetcher,
		orchestrator:   orch,
		engine:         engine,
		audits:         audits,
		alerts:         alerts,
		snapshots:      snapshots,
		ids:            ids,
		clock:          clock,
		logger:         logger,
		trajectoryDays: trajectoryDays,
	}
}

// Process implements queue.Processor. Probe failures are absorbed into the
// payload; only site-level failures (the crawl itself, or persistence)
// surface as errors.
func (p *Pipeline) Process(ctx context.Context, job queue.Job) error {
	pub := job.Publisher
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("publisher_id", pub.ID),
		zap.String("site_id", pub.SiteID),
	)

	// Record the in-progress audit before any work: a process that dies from
	// here on leaves a row the scheduler's stale sweep supersedes.
	if err := p.audits.BeginAudit(ctx, pub.SiteID, pub.SiteURL); err != nil {
		log.Warn("could not record audit start", zap.Error(err))
	}

	input, err := p.fetcher.Fetch(ctx, pub.SiteURL)
	if err != nil {
		telemetry.ObserveAudit(pub.SiteURL, "crawl_failed")
		return fmt.Errorf("crawl %s: %w", pub.SiteURL, err)
	}

	p.archiveSnapshot(ctx, pub, input, log)

	payload, assessment := p.orchestrator.Run(ctx, pub.SiteID, input)
	score := p.engine.Calculate(payload)
	payload.RiskScore = score.RiskScore

	previous, err := p.audits.PreviousAudit(ctx, pub.SiteID)
	if err != nil {
		log.Warn("could not load previous audit, treating as first", zap.Error(err))
		previous = nil
	}

	if err := p.audits.SaveAudit(ctx, payload, assessment); err != nil {
		telemetry.ObserveAudit(pub.SiteURL, "save_failed")
		return fmt.Errorf("save audit for %s: %w", pub.SiteID, err)
	}

	report := delta.Detect(payload, previous)
	trajectory, err := p.audits.RiskTrajectory(ctx, pub.ID, p.trajectoryDays)
	if err != nil {
		log.Warn("could not load risk trajectory", zap.Error(err))
		trajectory = nil
	}

	analysis := trend.Analyze(report, trajectory)
	if err := p.raiseAlerts(ctx, pub, analysis); err != nil {
		return err
	}

	for _, insight := range analysis.Insights {
		log.Info("audit insight",
			zap.String("type", insight.Type),
			zap.String("message", insight.Message),
		)
	}

	telemetry.ObserveAudit(pub.SiteURL, "completed")
	log.Info("audit finished",
		zap.Float64("risk_score", payload.RiskScore),
		zap.String("risk_level", string(analysis.RiskLevel)),
		zap.String("quality", string(assessment.Level)),
		zap.Int("changes", report.ChangeCount),
		zap.Int("alerts", len(analysis.Alerts)),
	)
	return nil
}

func (p *Pipeline) archiveSnapshot(ctx context.Context, pub audit.Publisher, input audit.CrawlInput, log *zap.Logger) {
	if p.snapshots == nil || input.HTML == "" {
		return
	}
	path := fmt.Sprintf("%s/%s.html", pub.SiteID, p.clock.Now().Format("20060102T150405Z"))
	uri, err := p.snapshots.PutSnapshot(ctx, path, "text/html", []byte(input.HTML))
	if err != nil {
		// Archiving is best-effort; the audit proceeds without it.
		log.Warn("snapshot upload failed", zap.Error(err))
		return
	}
	log.Debug("snapshot archived", zap.String("uri", uri))
}

func (p *Pipeline) raiseAlerts(ctx context.Context, pub audit.Publisher, analysis trend.Analysis) error {
	if len(analysis.Alerts) == 0 {
		return nil
	}
	now := p.clock.Now()
	alerts := make([]audit.Alert, 0, len(analysis.Alerts))
	for _, c := range analysis.Alerts {
		id, err := p.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate alert id: %w", err)
		}
		alerts = append(alerts, audit.Alert{
			ID:          id,
			PublisherID: pub.ID,
			Type:        c.Type,
			Severity:    c.Severity,
			Message:     c.Message,
			Metadata:    c.Metadata,
			Status:      audit.AlertActive,
			CreatedAt:   now,
		})
		telemetry.ObserveAlert(c.Type, string(c.Severity))
	}
	if err := p.alerts.CreateAlerts(ctx, alerts); err != nil {
		return fmt.Errorf("persist alerts for %s: %w", pub.ID, err)
	}
	return nil
}
