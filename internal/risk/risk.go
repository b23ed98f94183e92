// Package risk converts a merged audit payload into a 0-100 risk score using
// confidence-weighted component scoring.
package risk

import (
	"math"

	"github.com/adverify/siteauditor/internal/audit"
)

// Component weights. Ad signals dominate because ad behavior is the most
// direct fraud indicator; technical health is a weak corroborating signal.
const (
	weightContent   = 0.25
	weightAds       = 0.35
	weightPolicy    = 0.25
	weightTechnical = 0.15
)

// Risk level bucket boundaries on the 0-1 probability scale.
const (
	levelLowMax    = 0.3
	levelMediumMax = 0.6
)

// Component is one scored input with its weight and data confidence.
type Component struct {
	Score      float64 `json:"score"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// Score is the engine's full output for one payload.
type Score struct {
	RiskScore   float64              `json:"risk_score"`
	Probability float64              `json:"probability"`
	Confidence  float64              `json:"confidence"`
	Level       string               `json:"level"`
	Components  map[string]Component `json:"components"`
}

// Engine computes risk scores. It is stateless and safe for concurrent use.
type Engine struct{}

// NewEngine creates an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Calculate scores one payload. Probes that produced no data contribute at
// reduced confidence instead of being dropped, so a partially failed audit
// still yields a usable, lower-confidence score.
func (e *Engine) Calculate(payload audit.AuditPayload) Score {
	components := map[string]Component{
		"content":   contentComponent(payload.Content()),
		"ads":       adComponent(payload.Ads()),
		"policy":    policyComponent(payload.Policy()),
		"technical": technicalComponent(payload.Technical()),
	}

	totalWeight, weighted, confidence := 0.0, 0.0, 0.0
	for _, c := range components {
		totalWeight += c.Weight * c.Confidence
		weighted += c.Score * c.Weight * c.Confidence
		confidence += c.Confidence * c.Weight
	}

	probability := 0.5
	if totalWeight > 0 {
		probability = weighted / totalWeight
	}

	return Score{
		RiskScore:   round2(probability * 100),
		Probability: round4(probability),
		Confidence:  round4(confidence),
		Level:       level(probability),
		Components:  components,
	}
}

func contentComponent(m *audit.ContentMetrics) Component {
	if m == nil {
		return Component{Score: 0.5, Weight: weightContent, Confidence: 0.2}
	}
	conf := math.Min(float64(m.WordCount)/500, 1.0)
	// Low-quality, low-entropy content is the risk signal.
	score := 1 - m.QualityScore
	return Component{Score: clamp01(score), Weight: weightContent, Confidence: conf}
}

func adComponent(m *audit.AdMetrics) Component {
	if m == nil {
		return Component{Score: 0.5, Weight: weightAds, Confidence: 0.3}
	}
	score := math.Min(m.AdDensity/0.5, 1.0)
	if m.AutoRefresh {
		score += 0.2
	}
	conf := 0.7
	if m.AdCount > 0 {
		conf = 1.0
	}
	return Component{Score: clamp01(score), Weight: weightAds, Confidence: conf}
}

func policyComponent(m *audit.PolicyMetrics) Component {
	if m == nil {
		return Component{Score: 0.5, Weight: weightPolicy, Confidence: 0.3}
	}
	score := 0.0
	for _, v := range m.Violations {
		switch v.Severity {
		case audit.SeverityCritical:
			score += 0.4
		case audit.SeverityHigh:
			score += 0.25
		default:
			score += 0.1
		}
	}
	score += 0.1 * float64(len(m.PagesMissing))
	return Component{Score: clamp01(score), Weight: weightPolicy, Confidence: 1.0}
}

func technicalComponent(m *audit.TechnicalMetrics) Component {
	if m == nil {
		return Component{Score: 0.5, Weight: weightTechnical, Confidence: 0.3}
	}
	return Component{Score: clamp01(1 - m.HealthScore/100), Weight: weightTechnical, Confidence: 0.8}
}

func level(probability float64) string {
	switch {
	case probability <= levelLowMax:
		return "low"
	case probability <= levelMediumMax:
		return "medium"
	default:
		return "high"
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
