// Package delta computes the structured diff between two successive audit
// payloads for the same site.
package delta

import (
	"math"
	"sort"

	"github.com/adverify/siteauditor/internal/audit"
)

// Severity and emission thresholds for individual change rules.
const (
	riskHighDelta   = 20.0
	riskMediumDelta = 10.0

	// Ad density is stored as a ratio; deltas are compared in percentage
	// points.
	densityPointThreshold = 5.0
	densityCeiling        = 0.30

	healthMinDelta = 10.0
	healthHighDrop = 20.0
)

// Detect compares current against previous and returns the categorized change
// list. A nil previous means this is the site's first audit, which is
// reported as such rather than as a zero-change result. Detect is pure:
// identical inputs always yield identical reports, including change order.
func Detect(current audit.AuditPayload, previous *audit.AuditPayload) audit.DeltaReport {
	if previous == nil {
		return audit.DeltaReport{IsFirstAudit: true, Changes: []audit.Change{}}
	}

	var changes []audit.Change
	changes = append(changes, riskChanges(current, *previous)...)
	changes = append(changes, contentChanges(current, *previous)...)
	changes = append(changes, adChanges(current, *previous)...)
	changes = append(changes, technicalChanges(current, *previous)...)

	if changes == nil {
		changes = []audit.Change{}
	}
	return audit.DeltaReport{Changes: changes, ChangeCount: len(changes)}
}

func riskChanges(current, previous audit.AuditPayload) []audit.Change {
	d := current.RiskScore - previous.RiskScore
	if d == 0 {
		return nil
	}
	typ := audit.ChangeIncrease
	if d < 0 {
		typ = audit.ChangeDecrease
	}
	sev := audit.SeverityLow
	switch abs := math.Abs(d); {
	case abs >= riskHighDelta:
		sev = audit.SeverityHigh
	case abs >= riskMediumDelta:
		sev = audit.SeverityMedium
	}
	return []audit.Change{{
		Category: "risk",
		Type:     typ,
		Metric:   "risk_score",
		OldValue: previous.RiskScore,
		NewValue: current.RiskScore,
		Delta:    d,
		Severity: sev,
	}}
}

func contentChanges(current, previous audit.AuditPayload) []audit.Change {
	cur, prev := current.Content(), previous.Content()
	if cur == nil || prev == nil {
		return nil
	}

	var changes []audit.Change
	added, removed := setDiff(prev.Categories, cur.Categories)
	for _, c := range added {
		changes = append(changes, audit.Change{
			Category: "content",
			Type:     audit.ChangeAddition,
			Metric:   "categories",
			NewValue: c,
			Severity: audit.SeverityMedium,
		})
	}
	for _, c := range removed {
		changes = append(changes, audit.Change{
			Category: "content",
			Type:     audit.ChangeRemoval,
			Metric:   "categories",
			OldValue: c,
			Severity: audit.SeverityLow,
		})
	}

	if cur.Sentiment != prev.Sentiment {
		changes = append(changes, audit.Change{
			Category: "content",
			Type:     audit.ChangeModified,
			Metric:   "sentiment",
			OldValue: prev.Sentiment,
			NewValue: cur.Sentiment,
			Severity: audit.SeverityMedium,
		})
	}
	return changes
}

func adChanges(current, previous audit.AuditPayload) []audit.Change {
	cur, prev := current.Ads(), previous.Ads()
	if cur == nil || prev == nil {
		return nil
	}

	var changes []audit.Change
	points := (cur.AdDensity - prev.AdDensity) * 100
	if math.Abs(points) > densityPointThreshold {
		typ := audit.ChangeIncrease
		if points < 0 {
			typ = audit.ChangeDecrease
		}
		sev := audit.SeverityMedium
		if cur.AdDensity > densityCeiling {
			sev = audit.SeverityHigh
		}
		changes = append(changes, audit.Change{
			Category: "ads",
			Type:     typ,
			Metric:   "ad_density",
			OldValue: prev.AdDensity,
			NewValue: cur.AdDensity,
			Delta:    points,
			Severity: sev,
		})
	}

	if cur.AutoRefresh != prev.AutoRefresh {
		typ, sev := audit.ChangeEnabled, audit.SeverityHigh
		if !cur.AutoRefresh {
			typ, sev = audit.ChangeDisabled, audit.SeverityLow
		}
		changes = append(changes, audit.Change{
			Category: "ads",
			Type:     typ,
			Metric:   "auto_refresh",
			OldValue: prev.AutoRefresh,
			NewValue: cur.AutoRefresh,
			Severity: sev,
		})
	}
	return changes
}

func technicalChanges(current, previous audit.AuditPayload) []audit.Change {
	cur, prev := current.Technical(), previous.Technical()
	if cur == nil || prev == nil {
		return nil
	}

	d := cur.HealthScore - prev.HealthScore
	if math.Abs(d) < healthMinDelta {
		return nil
	}
	typ, sev := audit.ChangeImprovement, audit.SeverityMedium
	if d < 0 {
		typ = audit.ChangeDegradation
		if -d >= healthHighDrop {
			sev = audit.SeverityHigh
		}
	}
	return []audit.Change{{
		Category: "technical",
		Type:     typ,
		Metric:   "health_score",
		OldValue: prev.HealthScore,
		NewValue: cur.HealthScore,
		Delta:    d,
		Severity: sev,
	}}
}

// setDiff returns the elements added to and removed from prev, both sorted so
// the diff is stable across runs.
func setDiff(prev, cur []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, s := range prev {
		prevSet[s] = struct{}{}
	}
	curSet := make(map[string]struct{}, len(cur))
	for _, s := range cur {
		curSet[s] = struct{}{}
	}
	for s := range curSet {
		if _, ok := prevSet[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range prevSet {
		if _, ok := curSet[s]; !ok {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
