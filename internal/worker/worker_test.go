package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/orchestrator"
	"github.com/adverify/siteauditor/internal/probes"
	"github.com/adverify/siteauditor/internal/queue"
	"github.com/adverify/siteauditor/internal/risk"
	"github.com/adverify/siteauditor/internal/trend"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fakeFetcher struct {
	input audit.CrawlInput
	err   error
}

func (f *fakeFetcher) Fetch(context.Context, string) (audit.CrawlInput, error) {
	return f.input, f.err
}

type fakeAuditStore struct {
	previous   *audit.AuditPayload
	trajectory []audit.RiskTrajectoryPoint
	begun      []string
	saved      []audit.AuditPayload
	quality    []audit.DataQualityAssessment
	beginErr   error
	saveErr    error
}

func (s *fakeAuditStore) BeginAudit(_ context.Context, siteID string, _ string) error {
	if s.beginErr != nil {
		return s.beginErr
	}
	s.begun = append(s.begun, siteID)
	return nil
}

func (s *fakeAuditStore) SaveAudit(_ context.Context, payload audit.AuditPayload, q audit.DataQualityAssessment) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, payload)
	s.quality = append(s.quality, q)
	return nil
}

func (s *fakeAuditStore) PreviousAudit(context.Context, string) (*audit.AuditPayload, error) {
	return s.previous, nil
}

func (s *fakeAuditStore) RiskTrajectory(context.Context, string, int) ([]audit.RiskTrajectoryPoint, error) {
	return s.trajectory, nil
}

func (s *fakeAuditStore) SupersedeStale(context.Context, time.Duration) (int, error) {
	return 0, nil
}

type fakeAlertStore struct {
	created []audit.Alert
}

func (s *fakeAlertStore) CreateAlerts(_ context.Context, alerts []audit.Alert) error {
	s.created = append(s.created, alerts...)
	return nil
}

func (s *fakeAlertStore) ListPending(context.Context, int) ([]audit.Alert, error) {
	return nil, nil
}

func (s *fakeAlertStore) MarkNotified(context.Context, []string, time.Time) error {
	return nil
}

type fakeSnapshots struct {
	paths []string
	err   error
}

func (s *fakeSnapshots) PutSnapshot(_ context.Context, path, _ string, _ []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.paths = append(s.paths, path)
	return "mem://" + path, nil
}

func crawlInput() audit.CrawlInput {
	return audit.CrawlInput{
		URL:        "https://example.com",
		Title:      "Example",
		HTML:       `<html><body><a href="/privacy">p</a><a href="/terms">t</a><a href="/contact">c</a><a href="/about">a</a></body></html>`,
		Text:       "The site publishes long-form reporting on regional infrastructure, budgets, transit planning, and local government accountability with detailed sourcing and interviews across many municipalities and agencies every single week of the year.",
		Links:      []string{"https://example.com/privacy", "https://example.com/terms", "https://example.com/contact", "https://example.com/about"},
		LoadTimeMs: 900,
		Viewport:   audit.Viewport{Width: 1920, Height: 1080},
	}
}

func newPipeline(fetcher *fakeFetcher, audits *fakeAuditStore, alerts *fakeAlertStore, snapshots audit.SnapshotStore) *Pipeline {
	clock := fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	orch := orchestrator.New(probes.Default(), orchestrator.Config{RetryEnabled: false},
		orchestrator.DefaultSanity(), clock, zap.NewNop())
	return NewPipeline(fetcher, orch, risk.NewEngine(), audits, alerts, snapshots,
		&seqIDs{}, clock, zap.NewNop(), 0)
}

func job() queue.Job {
	return queue.Job{ID: "job-1", Publisher: audit.Publisher{
		ID: "pub-1", SiteID: "site-1", SiteURL: "https://example.com",
	}}
}

func TestProcess_HappyPathSavesAuditWithRiskScore(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditStore{}
	alerts := &fakeAlertStore{}
	snapshots := &fakeSnapshots{}
	p := newPipeline(&fakeFetcher{input: crawlInput()}, audits, alerts, snapshots)

	require.NoError(t, p.Process(context.Background(), job()))
	require.Equal(t, []string{"site-1"}, audits.begun)
	require.Len(t, audits.saved, 1)

	saved := audits.saved[0]
	require.Equal(t, "site-1", saved.SiteID)
	require.Len(t, saved.Results, 4)
	require.Greater(t, saved.RiskScore, 0.0)
	require.Equal(t, audit.QualityExcellent, audits.quality[0].Level)

	require.Equal(t, []string{"site-1/20260801T120000Z.html"}, snapshots.paths)
	// Clean first audit raises no alerts.
	require.Empty(t, alerts.created)
}

func TestProcess_CrawlFailureIsSiteLevelError(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditStore{}
	p := newPipeline(&fakeFetcher{err: errors.New("connection refused")}, audits, &fakeAlertStore{}, nil)

	err := p.Process(context.Background(), job())
	require.ErrorContains(t, err, "connection refused")
	require.Empty(t, audits.saved)
	// The in-progress record stays behind for the stale sweep.
	require.Equal(t, []string{"site-1"}, audits.begun)
}

func TestProcess_BeginAuditFailureDoesNotBlockAudit(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditStore{beginErr: errors.New("db hiccup")}
	p := newPipeline(&fakeFetcher{input: crawlInput()}, audits, &fakeAlertStore{}, nil)

	require.NoError(t, p.Process(context.Background(), job()))
	require.Len(t, audits.saved, 1)
}

func TestProcess_SnapshotFailureDoesNotFailAudit(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditStore{}
	p := newPipeline(&fakeFetcher{input: crawlInput()}, audits, &fakeAlertStore{}, &fakeSnapshots{err: errors.New("bucket gone")})

	require.NoError(t, p.Process(context.Background(), job()))
	require.Len(t, audits.saved, 1)
}

func TestProcess_SaveFailurePropagates(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditStore{saveErr: errors.New("insert failed")}
	p := newPipeline(&fakeFetcher{input: crawlInput()}, audits, &fakeAlertStore{}, nil)

	err := p.Process(context.Background(), job())
	require.ErrorContains(t, err, "insert failed")
}

func TestProcess_MonotonicTrajectoryRaisesTrendAlert(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	trajectory := make([]audit.RiskTrajectoryPoint, 5)
	for i, score := range []float64{10, 20, 30, 45, 60} {
		trajectory[i] = audit.RiskTrajectoryPoint{AuditDate: base.AddDate(0, 0, i), RiskScore: score}
	}

	audits := &fakeAuditStore{trajectory: trajectory}
	alerts := &fakeAlertStore{}
	p := newPipeline(&fakeFetcher{input: crawlInput()}, audits, alerts, nil)

	require.NoError(t, p.Process(context.Background(), job()))
	require.Len(t, alerts.created, 1)

	a := alerts.created[0]
	require.Equal(t, trend.AlertNegativeTrend, a.Type)
	require.Equal(t, "id-1", a.ID)
	require.Equal(t, "pub-1", a.PublisherID)
	require.Equal(t, audit.AlertActive, a.Status)
	require.Equal(t, audit.SeverityMedium, a.Severity)
}
