package probes

import (
	"context"
	"strings"

	"github.com/adverify/siteauditor/internal/audit"
)

// TechnicalProbe derives a 0-100 page health score from load time, transport
// security, and structural signals.
type TechnicalProbe struct{}

// NewTechnicalProbe creates a TechnicalProbe.
func NewTechnicalProbe() *TechnicalProbe {
	return &TechnicalProbe{}
}

// Name implements audit.Probe.
func (*TechnicalProbe) Name() string { return audit.ProbeTechnical }

// Analyze implements audit.Probe.
func (*TechnicalProbe) Analyze(_ context.Context, input audit.CrawlInput) (*audit.ProbeMetrics, error) {
	httpsOnly := strings.HasPrefix(input.URL, "https://")
	for _, link := range input.Links {
		if strings.HasPrefix(strings.ToLower(link), "http://") {
			httpsOnly = false
			break
		}
	}

	health := 100.0
	switch {
	case input.LoadTimeMs > 10000:
		health -= 40
	case input.LoadTimeMs > 5000:
		health -= 25
	case input.LoadTimeMs > 3000:
		health -= 10
	}
	if !httpsOnly {
		health -= 20
	}
	switch {
	case len(input.IFrames) > 20:
		health -= 20
	case len(input.IFrames) > 10:
		health -= 10
	}
	if health < 0 {
		health = 0
	}

	return &audit.ProbeMetrics{Technical: &audit.TechnicalMetrics{
		PageLoadMs:  input.LoadTimeMs,
		HTTPSOnly:   httpsOnly,
		IFrameCount: len(input.IFrames),
		LinkCount:   len(input.Links),
		HealthScore: health,
	}}, nil
}
