// Package trend evaluates a delta report and a publisher's risk trajectory
// for alert-worthy patterns.
package trend

import (
	"fmt"
	"sort"

	"github.com/adverify/siteauditor/internal/audit"
)

// Alert types emitted by the analyzer.
const (
	AlertRiskSpike            = "RISK_SPIKE"
	AlertAdDensityViolation   = "AD_DENSITY_VIOLATION"
	AlertMultipleDegradations = "MULTIPLE_DEGRADATIONS"
	AlertNegativeTrend        = "NEGATIVE_TREND"

	InsightVolatility = "RISK_VOLATILITY"
)

const (
	// A single-audit risk increase strictly above this fires RISK_SPIKE.
	riskSpikeDelta = 15.0
	// An ad density strictly above this ratio fires AD_DENSITY_VIOLATION.
	densityViolationCeiling = 0.35
	// This many high or critical changes in one report fires
	// MULTIPLE_DEGRADATIONS.
	degradationCount = 3

	// Trajectory analysis needs at least this many points and looks at the
	// most recent window.
	minTrajectoryPoints = 3
	trajectoryWindow    = 5
	volatilityVariance  = 100.0
)

// Candidate is an alert the analyzer wants raised. The caller assigns the id,
// publisher, and timestamps before persisting.
type Candidate struct {
	Type     string
	Severity audit.Severity
	Message  string
	Metadata map[string]any
}

// Analysis is the analyzer's full output for one audit.
type Analysis struct {
	Alerts    []Candidate
	Insights  []audit.Insight
	RiskLevel audit.Severity
}

// Analyze applies the immediate-delta rules and the trajectory rules and
// aggregates an overall risk level. Short or missing trajectories disable the
// trajectory rules without failing the analysis.
func Analyze(report audit.DeltaReport, trajectory []audit.RiskTrajectoryPoint) Analysis {
	var out Analysis
	if !report.IsFirstAudit {
		out.Alerts = append(out.Alerts, deltaAlerts(report)...)
	}

	alerts, insights := trajectoryFindings(trajectory)
	out.Alerts = append(out.Alerts, alerts...)
	out.Insights = append(out.Insights, insights...)
	out.RiskLevel = riskLevel(out.Alerts)
	return out
}

func deltaAlerts(report audit.DeltaReport) []Candidate {
	var alerts []Candidate
	severe := 0
	for _, c := range report.Changes {
		if c.Severity == audit.SeverityHigh || c.Severity == audit.SeverityCritical {
			severe++
		}

		if c.Metric == "risk_score" && c.Type == audit.ChangeIncrease && c.Delta > riskSpikeDelta {
			alerts = append(alerts, Candidate{
				Type:     AlertRiskSpike,
				Severity: audit.SeverityHigh,
				Message:  fmt.Sprintf("risk score jumped %.1f points in a single audit", c.Delta),
				Metadata: map[string]any{"old_score": c.OldValue, "new_score": c.NewValue, "delta": c.Delta},
			})
		}

		if c.Metric == "ad_density" {
			if density, ok := toFloat(c.NewValue); ok && density > densityViolationCeiling {
				alerts = append(alerts, Candidate{
					Type:     AlertAdDensityViolation,
					Severity: audit.SeverityHigh,
					Message:  fmt.Sprintf("ad density %.0f%% exceeds the %.0f%% policy ceiling", density*100, densityViolationCeiling*100),
					Metadata: map[string]any{"ad_density": density},
				})
			}
		}
	}

	if severe >= degradationCount {
		alerts = append(alerts, Candidate{
			Type:     AlertMultipleDegradations,
			Severity: audit.SeverityMedium,
			Message:  fmt.Sprintf("%d high-severity changes detected in one audit", severe),
			Metadata: map[string]any{"severe_changes": severe},
		})
	}
	return alerts
}

func trajectoryFindings(trajectory []audit.RiskTrajectoryPoint) ([]Candidate, []audit.Insight) {
	if len(trajectory) < minTrajectoryPoints {
		return nil, nil
	}

	points := make([]audit.RiskTrajectoryPoint, len(trajectory))
	copy(points, trajectory)
	sort.Slice(points, func(i, j int) bool { return points[i].AuditDate.Before(points[j].AuditDate) })
	if len(points) > trajectoryWindow {
		points = points[len(points)-trajectoryWindow:]
	}

	var alerts []Candidate
	if monotonicIncrease(points) {
		first, last := points[0].RiskScore, points[len(points)-1].RiskScore
		alerts = append(alerts, Candidate{
			Type:     AlertNegativeTrend,
			Severity: audit.SeverityMedium,
			Message:  fmt.Sprintf("risk score climbed steadily from %.1f to %.1f over %d audits", first, last, len(points)),
			Metadata: map[string]any{"start_score": first, "end_score": last, "points": len(points)},
		})
	}

	var insights []audit.Insight
	if v := variance(points); v > volatilityVariance {
		insights = append(insights, audit.Insight{
			Type:    InsightVolatility,
			Message: fmt.Sprintf("risk score variance %.1f over the recent window indicates unstable behavior", v),
			Value:   v,
		})
	}
	return alerts, insights
}

func monotonicIncrease(points []audit.RiskTrajectoryPoint) bool {
	for i := 1; i < len(points); i++ {
		if points[i].RiskScore <= points[i-1].RiskScore {
			return false
		}
	}
	return true
}

// variance is the population variance of the window's risk scores.
func variance(points []audit.RiskTrajectoryPoint) float64 {
	mean := 0.0
	for _, p := range points {
		mean += p.RiskScore
	}
	mean /= float64(len(points))

	v := 0.0
	for _, p := range points {
		d := p.RiskScore - mean
		v += d * d
	}
	return v / float64(len(points))
}

func riskLevel(alerts []Candidate) audit.Severity {
	anyHigh := false
	for _, a := range alerts {
		switch a.Severity {
		case audit.SeverityCritical:
			return audit.SeverityCritical
		case audit.SeverityHigh:
			anyHigh = true
		}
	}
	if anyHigh {
		return audit.SeverityHigh
	}
	if len(alerts) > 2 {
		return audit.SeverityMedium
	}
	return audit.SeverityLow
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
