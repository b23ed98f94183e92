package probes

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/adverify/siteauditor/internal/audit"
)

// requiredPages are the policy pages an ad-funded publisher is expected to
// link from its landing page.
var requiredPages = map[string][]string{
	"privacy": {"privacy"},
	"terms":   {"terms", "tos", "conditions"},
	"contact": {"contact"},
	"about":   {"about"},
}

// Pages whose absence is a violation rather than a note.
var criticalPages = map[string]audit.Severity{
	"privacy": audit.SeverityHigh,
	"terms":   audit.SeverityMedium,
}

// PolicyProbe checks for required policy pages and obvious disclosure
// problems by inspecting the landing page's links.
type PolicyProbe struct{}

// NewPolicyProbe creates a PolicyProbe.
func NewPolicyProbe() *PolicyProbe {
	return &PolicyProbe{}
}

// Name implements audit.Probe.
func (*PolicyProbe) Name() string { return audit.ProbePolicy }

// Analyze implements audit.Probe.
func (*PolicyProbe) Analyze(_ context.Context, input audit.CrawlInput) (*audit.ProbeMetrics, error) {
	links := input.Links
	if len(links) == 0 && input.HTML != "" {
		parsed, err := linksFromHTML(input.HTML)
		if err != nil {
			return nil, err
		}
		links = parsed
	}

	found := make(map[string]bool, len(requiredPages))
	for _, link := range links {
		lowered := strings.ToLower(link)
		for page, needles := range requiredPages {
			if found[page] {
				continue
			}
			for _, needle := range needles {
				if strings.Contains(lowered, needle) {
					found[page] = true
					break
				}
			}
		}
	}

	metrics := &audit.PolicyMetrics{}
	for _, page := range []string{"privacy", "terms", "contact", "about"} {
		if found[page] {
			metrics.PagesFound = append(metrics.PagesFound, page)
			continue
		}
		metrics.PagesMissing = append(metrics.PagesMissing, page)
		if sev, ok := criticalPages[page]; ok {
			metrics.Violations = append(metrics.Violations, audit.PolicyViolation{
				Code:        "missing_" + page + "_page",
				Severity:    sev,
				Description: fmt.Sprintf("no %s page linked from the landing page", page),
			})
		}
	}
	return &audit.ProbeMetrics{Policy: metrics}, nil
}

func linksFromHTML(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			links = append(links, href)
		}
	})
	return links, nil
}
