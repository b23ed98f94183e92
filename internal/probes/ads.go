package probes

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/adverify/siteauditor/internal/audit"
)

// adNetworkDomains identifies ad-serving iframes by their source host.
var adNetworkDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"adnxs.com",
	"taboola.com",
	"outbrain.com",
	"criteo.com",
	"rubiconproject.com",
	"pubmatic.com",
	"openx.net",
	"amazon-adsystem.com",
}

// AdProbe measures ad pressure: slot count, screen density, auto-refresh
// behavior, and the set of networks present.
type AdProbe struct{}

// NewAdProbe creates an AdProbe.
func NewAdProbe() *AdProbe {
	return &AdProbe{}
}

// Name implements audit.Probe.
func (*AdProbe) Name() string { return audit.ProbeAds }

// Analyze implements audit.Probe.
func (*AdProbe) Analyze(_ context.Context, input audit.CrawlInput) (*audit.ProbeMetrics, error) {
	adArea := 0.0
	autoRefresh := false
	networkSet := make(map[string]struct{})
	for _, el := range input.AdElements {
		adArea += float64(el.Width) * float64(el.Height)
		if el.AutoRefresh {
			autoRefresh = true
		}
		if el.Network != "" {
			networkSet[el.Network] = struct{}{}
		}
	}

	adIFrames := 0
	for _, src := range input.IFrames {
		if network := matchAdNetwork(src); network != "" {
			adIFrames++
			networkSet[network] = struct{}{}
		}
	}

	networks := make([]string, 0, len(networkSet))
	for n := range networkSet {
		networks = append(networks, n)
	}
	sort.Strings(networks)

	density := math.Min(adArea/input.Viewport.Area(), 1.0)
	return &audit.ProbeMetrics{Ads: &audit.AdMetrics{
		AdCount:       len(input.AdElements),
		AdIFrameCount: adIFrames,
		AdDensity:     round3(density),
		AutoRefresh:   autoRefresh,
		Networks:      networks,
	}}, nil
}

func matchAdNetwork(src string) string {
	lowered := strings.ToLower(src)
	for _, domain := range adNetworkDomains {
		if strings.Contains(lowered, domain) {
			return domain
		}
	}
	return ""
}
