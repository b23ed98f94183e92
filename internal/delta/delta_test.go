package delta

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adverify/siteauditor/internal/audit"
)

func payload(riskScore float64, metrics map[string]*audit.ProbeMetrics) audit.AuditPayload {
	results := make(map[string]audit.ProbeResult, len(metrics))
	for probe, m := range metrics {
		results[probe] = audit.ProbeResult{Probe: probe, Success: true, Metrics: m}
	}
	return audit.AuditPayload{SiteID: "site-1", RiskScore: riskScore, Results: results}
}

func TestDetect_FirstAuditHasNoChanges(t *testing.T) {
	t.Parallel()

	report := Detect(payload(88, nil), nil)
	require.True(t, report.IsFirstAudit)
	require.Empty(t, report.Changes)
	require.Zero(t, report.ChangeCount)
}

func TestDetect_RiskScoreSeverityTiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prev     float64
		cur      float64
		typ      audit.ChangeType
		severity audit.Severity
	}{
		{"small increase", 10, 15, audit.ChangeIncrease, audit.SeverityLow},
		{"medium increase", 10, 22, audit.ChangeIncrease, audit.SeverityMedium},
		{"large increase", 10, 30, audit.ChangeIncrease, audit.SeverityHigh},
		{"large decrease", 50, 25, audit.ChangeDecrease, audit.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prev := payload(tt.prev, nil)
			report := Detect(payload(tt.cur, nil), &prev)
			require.Len(t, report.Changes, 1)
			c := report.Changes[0]
			require.Equal(t, "risk_score", c.Metric)
			require.Equal(t, tt.typ, c.Type)
			require.Equal(t, tt.severity, c.Severity)
		})
	}
}

func TestDetect_UnchangedRiskScoreEmitsNothing(t *testing.T) {
	t.Parallel()

	prev := payload(40, nil)
	report := Detect(payload(40, nil), &prev)
	require.False(t, report.IsFirstAudit)
	require.Empty(t, report.Changes)
}

func TestDetect_CategorySymmetricDifference(t *testing.T) {
	t.Parallel()

	prev := payload(40, map[string]*audit.ProbeMetrics{
		audit.ProbeContent: {Content: &audit.ContentMetrics{Categories: []string{"news", "sports"}}},
	})
	cur := payload(40, map[string]*audit.ProbeMetrics{
		audit.ProbeContent: {Content: &audit.ContentMetrics{Categories: []string{"sports", "gambling"}}},
	})

	report := Detect(cur, &prev)
	require.Len(t, report.Changes, 2)

	require.Equal(t, audit.ChangeAddition, report.Changes[0].Type)
	require.Equal(t, "gambling", report.Changes[0].NewValue)
	require.Equal(t, audit.SeverityMedium, report.Changes[0].Severity)

	require.Equal(t, audit.ChangeRemoval, report.Changes[1].Type)
	require.Equal(t, "news", report.Changes[1].OldValue)
	require.Equal(t, audit.SeverityLow, report.Changes[1].Severity)
}

func TestDetect_SentimentChange(t *testing.T) {
	t.Parallel()

	prev := payload(40, map[string]*audit.ProbeMetrics{
		audit.ProbeContent: {Content: &audit.ContentMetrics{Sentiment: "neutral"}},
	})
	cur := payload(40, map[string]*audit.ProbeMetrics{
		audit.ProbeContent: {Content: &audit.ContentMetrics{Sentiment: "negative"}},
	})

	report := Detect(cur, &prev)
	require.Len(t, report.Changes, 1)
	require.Equal(t, audit.ChangeModified, report.Changes[0].Type)
	require.Equal(t, "sentiment", report.Changes[0].Metric)
	require.Equal(t, audit.SeverityMedium, report.Changes[0].Severity)
}

func TestDetect_AdDensityThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prev     float64
		cur      float64
		want     int
		severity audit.Severity
	}{
		{"five points exactly is quiet", 0.10, 0.15, 0, ""},
		{"six points is medium", 0.10, 0.16, 1, audit.SeverityMedium},
		{"over ceiling is high", 0.28, 0.36, 1, audit.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prev := payload(40, map[string]*audit.ProbeMetrics{
				audit.ProbeAds: {Ads: &audit.AdMetrics{AdDensity: tt.prev}},
			})
			cur := payload(40, map[string]*audit.ProbeMetrics{
				audit.ProbeAds: {Ads: &audit.AdMetrics{AdDensity: tt.cur}},
			})

			report := Detect(cur, &prev)
			require.Len(t, report.Changes, tt.want)
			if tt.want > 0 {
				require.Equal(t, "ad_density", report.Changes[0].Metric)
				require.Equal(t, tt.severity, report.Changes[0].Severity)
			}
		})
	}
}

func TestDetect_AutoRefreshFlip(t *testing.T) {
	t.Parallel()

	prev := payload(40, map[string]*audit.ProbeMetrics{
		audit.ProbeAds: {Ads: &audit.AdMetrics{AutoRefresh: false}},
	})
	cur := payload(40, map[string]*audit.ProbeMetrics{
		audit.ProbeAds: {Ads: &audit.AdMetrics{AutoRefresh: true}},
	})

	report := Detect(cur, &prev)
	require.Len(t, report.Changes, 1)
	require.Equal(t, audit.ChangeEnabled, report.Changes[0].Type)
	require.Equal(t, audit.SeverityHigh, report.Changes[0].Severity)

	// The reverse flip is low severity.
	report = Detect(prev, &cur)
	require.Len(t, report.Changes, 1)
	require.Equal(t, audit.ChangeDisabled, report.Changes[0].Type)
	require.Equal(t, audit.SeverityLow, report.Changes[0].Severity)
}

func TestDetect_HealthScoreChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prev     float64
		cur      float64
		want     int
		typ      audit.ChangeType
		severity audit.Severity
	}{
		{"below ten points is quiet", 80, 71, 0, "", ""},
		{"ten point drop is medium", 80, 70, 1, audit.ChangeDegradation, audit.SeverityMedium},
		{"twenty point drop is high", 80, 60, 1, audit.ChangeDegradation, audit.SeverityHigh},
		{"recovery is improvement", 60, 75, 1, audit.ChangeImprovement, audit.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prev := payload(40, map[string]*audit.ProbeMetrics{
				audit.ProbeTechnical: {Technical: &audit.TechnicalMetrics{HealthScore: tt.prev}},
			})
			cur := payload(40, map[string]*audit.ProbeMetrics{
				audit.ProbeTechnical: {Technical: &audit.TechnicalMetrics{HealthScore: tt.cur}},
			})

			report := Detect(cur, &prev)
			require.Len(t, report.Changes, tt.want)
			if tt.want > 0 {
				require.Equal(t, tt.typ, report.Changes[0].Type)
				require.Equal(t, tt.severity, report.Changes[0].Severity)
			}
		})
	}
}

func TestDetect_IsDeterministic(t *testing.T) {
	t.Parallel()

	prev := payload(40, map[string]*audit.ProbeMetrics{
		audit.ProbeContent:   {Content: &audit.ContentMetrics{Categories: []string{"b", "a", "d"}, Sentiment: "neutral"}},
		audit.ProbeAds:       {Ads: &audit.AdMetrics{AdDensity: 0.10, AutoRefresh: false}},
		audit.ProbeTechnical: {Technical: &audit.TechnicalMetrics{HealthScore: 90}},
	})
	cur := payload(70, map[string]*audit.ProbeMetrics{
		audit.ProbeContent:   {Content: &audit.ContentMetrics{Categories: []string{"c", "a", "e"}, Sentiment: "negative"}},
		audit.ProbeAds:       {Ads: &audit.AdMetrics{AdDensity: 0.40, AutoRefresh: true}},
		audit.ProbeTechnical: {Technical: &audit.TechnicalMetrics{HealthScore: 55}},
	})

	first, err := json.Marshal(Detect(cur, &prev))
	require.NoError(t, err)
	second, err := json.Marshal(Detect(cur, &prev))
	require.NoError(t, err)
	require.Equal(t, first, second)

	report := Detect(cur, &prev)
	require.Equal(t, report.ChangeCount, len(report.Changes))
}
