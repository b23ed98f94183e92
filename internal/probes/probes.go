// Package probes contains the built-in analysis probes. Each probe extracts
// one category of metrics from a crawl result and is side-effect free; the
// orchestrator owns timeouts and retries.
package probes

import "github.com/adverify/siteauditor/internal/audit"

// Default returns the standard probe set in a stable order.
func Default() []audit.Probe {
	return []audit.Probe{
		NewContentProbe(),
		NewAdProbe(),
		NewPolicyProbe(),
		NewTechnicalProbe(),
	}
}
