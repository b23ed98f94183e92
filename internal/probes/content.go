package probes

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/adverify/siteauditor/internal/audit"
)

// ErrNoContent is returned when the crawl produced no analyzable text.
var ErrNoContent = errors.New("no content found")

var clickbaitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)you won't believe`),
	regexp.MustCompile(`(?i)this will shock you`),
	regexp.MustCompile(`(?i)what happens next`),
	regexp.MustCompile(`(?i)number \d+ will`),
	regexp.MustCompile(`(?i)doctors hate`),
	regexp.MustCompile(`(?i)one weird trick`),
	regexp.MustCompile(`(?i)click here to find out`),
	regexp.MustCompile(`(?i)before it's deleted`),
	regexp.MustCompile(`(?i)breaking:`),
	regexp.MustCompile(`(?i)shocking:`),
}

// categoryKeywords maps a content category to the keywords that signal it.
var categoryKeywords = map[string][]string{
	"news":      {"breaking", "report", "journalist", "headline"},
	"sports":    {"match", "league", "tournament", "score", "playoff"},
	"finance":   {"stock", "invest", "crypto", "loan", "mortgage"},
	"health":    {"doctor", "symptom", "treatment", "diet", "cure"},
	"gambling":  {"casino", "betting", "jackpot", "slots", "wager"},
	"adult":     {"explicit", "nsfw"},
	"celebrity": {"celebrity", "gossip", "scandal"},
}

var negativeWords = []string{"terrible", "awful", "scam", "fraud", "worst", "dangerous", "fake"}
var positiveWords = []string{"great", "excellent", "helpful", "trusted", "reliable", "quality"}

// ContentProbe scores text quality: entropy, clickbait pressure, thin
// content, plus coarse categorization and sentiment.
type ContentProbe struct{}

// NewContentProbe creates a ContentProbe.
func NewContentProbe() *ContentProbe {
	return &ContentProbe{}
}

// Name implements audit.Probe.
func (*ContentProbe) Name() string { return audit.ProbeContent }

// Analyze implements audit.Probe.
func (*ContentProbe) Analyze(_ context.Context, input audit.CrawlInput) (*audit.ProbeMetrics, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, ErrNoContent
	}

	words := strings.Fields(text)
	entropy := shannonEntropy(text)
	lowered := strings.ToLower(input.Title + " " + text)

	return &audit.ProbeMetrics{Content: &audit.ContentMetrics{
		TextLength:   len(text),
		WordCount:    len(words),
		EntropyScore: round3(entropy),
		QualityScore: round3(qualityScore(entropy, len(words), lowered)),
		Categories:   categorize(lowered),
		Sentiment:    sentiment(lowered),
	}}, nil
}

// shannonEntropy is character-level Shannon entropy; low values indicate
// repetitive or templated text.
func shannonEntropy(text string) float64 {
	counts := make(map[rune]int)
	total := 0
	for _, r := range text {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, n := range counts {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func qualityScore(entropy float64, wordCount int, lowered string) float64 {
	score := 1.0
	switch {
	case entropy < 4.0:
		score -= 0.3
	case entropy < 4.5:
		score -= 0.15
	}
	switch {
	case wordCount < 150:
		score -= 0.3
	case wordCount < 300:
		score -= 0.15
	}
	for _, p := range clickbaitPatterns {
		if p.MatchString(lowered) {
			score -= 0.1
		}
	}
	return math.Max(0, score)
}

func categorize(lowered string) []string {
	var categories []string
	for category, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if strings.Contains(lowered, kw) {
				categories = append(categories, category)
				break
			}
		}
	}
	sort.Strings(categories)
	return categories
}

func sentiment(lowered string) string {
	pos, neg := 0, 0
	for _, w := range positiveWords {
		pos += strings.Count(lowered, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lowered, w)
	}
	switch {
	case neg > pos:
		return "negative"
	case pos > neg:
		return "positive"
	default:
		return "neutral"
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
