// Package orchestrator fans a crawl result out to the analysis probes,
// applies per-attempt timeouts and jittered retries, and aggregates the
// partial results into one audit payload with a data-quality assessment.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/telemetry"
)

// Defaults for probe execution.
const (
	defaultAttemptTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultBaseBackoff    = time.Second
)

// Quality scoring constants.
const (
	failurePenaltyStep = 0.05
	failurePenaltyCap  = 0.3
	completeFraction   = 0.7
	recoveryMinFails   = 3
)

// Config controls probe execution policy.
type Config struct {
	AttemptTimeout time.Duration
	MaxRetries     int
	RetryEnabled   bool
	BaseBackoff    time.Duration
}

// SanityConfig holds the per-probe plausibility thresholds. A probe that
// returns without error but below these thresholds still counts as a failure
// for quality purposes.
type SanityConfig struct {
	MinContentTextLength int
	MinContentEntropy    float64
	RequirePageLoad      bool
}

// DefaultSanity returns the default plausibility thresholds.
func DefaultSanity() SanityConfig {
	return SanityConfig{MinContentTextLength: 100, MinContentEntropy: 0, RequirePageLoad: true}
}

// Orchestrator runs a fixed probe set against crawl inputs. It is safe for
// concurrent use.
type Orchestrator struct {
	probes []audit.Probe
	cfg    Config
	sanity SanityConfig
	clock  audit.Clock
	logger *zap.Logger
}

// New creates an Orchestrator, applying defaults for unset config fields.
func New(probes []audit.Probe, cfg Config, sanity SanityConfig, clock audit.Clock, logger *zap.Logger) *Orchestrator {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	return &Orchestrator{
		probes: probes,
		cfg:    cfg,
		sanity: sanity,
		clock:  clock,
		logger: logger,
	}
}

// Run executes every probe concurrently against input and aggregates the
// outcomes. Probe failures are recorded in the payload, never returned as an
// error: callers always receive a payload and an assessment. If the first
// pass comes back critical with enough failures, the probes that failed their
// sanity check are re-run once and the assessment recomputed.
func (o *Orchestrator) Run(ctx context.Context, siteID string, input audit.CrawlInput) (audit.AuditPayload, audit.DataQualityAssessment) {
	results := o.fanOut(ctx, o.probes, input)
	assessment := o.assess(results)

	if assessment.Level == audit.QualityCritical && len(assessment.Failures) >= recoveryMinFails {
		var retry []audit.Probe
		for _, p := range o.probes {
			if !assessment.MetricsCollected[p.Name()] {
				retry = append(retry, p)
			}
		}
		o.logger.Warn("audit quality critical, re-running failed probes",
			zap.String("site_id", siteID),
			zap.Int("probes", len(retry)),
		)
		for name, r := range o.fanOut(ctx, retry, input) {
			results[name] = r
		}
		assessment = o.assess(results)
	}

	payload := audit.AuditPayload{
		SiteID:    siteID,
		URL:       input.URL,
		AuditedAt: o.clock.Now(),
		Results:   results,
	}
	return payload, assessment
}

// fanOut runs the given probes concurrently and waits for all of them to
// settle. A slow probe delays aggregation but never blocks its siblings.
func (o *Orchestrator) fanOut(ctx context.Context, probes []audit.Probe, input audit.CrawlInput) map[string]audit.ProbeResult {
	results := make(map[string]audit.ProbeResult, len(probes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, probe := range probes {
		wg.Add(1)
		go func(probe audit.Probe) {
			defer wg.Done()
			r := o.runProbe(ctx, probe, input)
			mu.Lock()
			results[probe.Name()] = r
			mu.Unlock()
		}(probe)
	}
	wg.Wait()
	return results
}

// runProbe executes one probe with per-attempt timeout and jittered
// exponential backoff between attempts.
func (o *Orchestrator) runProbe(ctx context.Context, probe audit.Probe, input audit.CrawlInput) audit.ProbeResult {
	maxAttempts := 1
	if o.cfg.RetryEnabled {
		maxAttempts += o.cfg.MaxRetries
	}

	start := o.clock.Now()
	var lastErr error
	timedOut := false
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		metrics, err := o.attempt(ctx, probe, input)
		if err == nil {
			elapsed := o.clock.Now().Sub(start)
			telemetry.ObserveProbe(probe.Name(), elapsed, "")
			return audit.ProbeResult{
				Probe:      probe.Name(),
				Success:    true,
				Metrics:    metrics,
				Attempts:   attempt,
				DurationMs: elapsed.Milliseconds(),
			}
		}

		lastErr = err
		timedOut = errors.Is(err, context.DeadlineExceeded)
		o.logger.Debug("probe attempt failed",
			zap.String("probe", probe.Name()),
			zap.Int("attempt", attempt),
			zap.Bool("timed_out", timedOut),
			zap.Error(err),
		)
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		backoff := o.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
		if !sleep(ctx, jitter(backoff)) {
			break
		}
	}

	elapsed := o.clock.Now().Sub(start)
	reason := "error"
	if timedOut {
		reason = "timeout"
	}
	telemetry.ObserveProbe(probe.Name(), elapsed, reason)
	return audit.ProbeResult{
		Probe:      probe.Name(),
		Error:      lastErr.Error(),
		TimedOut:   timedOut,
		Attempts:   attempts,
		DurationMs: elapsed.Milliseconds(),
	}
}

// attempt runs one probe invocation bounded by the attempt timeout. A
// timed-out attempt is abandoned: its goroutine may still be running, but its
// result is discarded.
func (o *Orchestrator) attempt(ctx context.Context, probe audit.Probe, input audit.CrawlInput) (*audit.ProbeMetrics, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	type outcome struct {
		metrics *audit.ProbeMetrics
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		m, err := probe.Analyze(actx, input)
		ch <- outcome{metrics: m, err: err}
	}()

	select {
	case out := <-ch:
		return out.metrics, out.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

// assess derives the data-quality assessment from the probe results. A probe
// contributes to the score only if it succeeded and its metrics pass the
// sanity thresholds.
func (o *Orchestrator) assess(results map[string]audit.ProbeResult) audit.DataQualityAssessment {
	n := len(o.probes)
	collected := make(map[string]bool, n)
	var failures []audit.QualityFailure
	passed := 0
	for _, probe := range o.probes {
		r := results[probe.Name()]
		ok := r.Success && o.passesSanity(probe.Name(), r.Metrics)
		collected[probe.Name()] = ok
		if ok {
			passed++
			continue
		}
		reason := r.Error
		if reason == "" {
			reason = "empty or implausible metrics"
		}
		failures = append(failures, audit.QualityFailure{
			Module:    probe.Name(),
			Reason:    reason,
			Timestamp: o.clock.Now(),
		})
	}

	score := 0.0
	if n > 0 {
		score = float64(passed) / float64(n)
	}
	score -= math.Min(failurePenaltyStep*float64(len(failures)), failurePenaltyCap)
	if score < 0 {
		score = 0
	}

	return audit.DataQualityAssessment{
		Score:            score,
		Level:            qualityLevel(score),
		IsComplete:       passed >= int(math.Ceil(completeFraction*float64(n))),
		MetricsCollected: collected,
		Failures:         failures,
	}
}

func (o *Orchestrator) passesSanity(probe string, m *audit.ProbeMetrics) bool {
	if m == nil {
		return false
	}
	switch probe {
	case audit.ProbeContent:
		return m.Content != nil &&
			m.Content.TextLength > o.sanity.MinContentTextLength &&
			m.Content.EntropyScore > o.sanity.MinContentEntropy
	case audit.ProbeAds:
		return m.Ads != nil
	case audit.ProbePolicy:
		return m.Policy != nil
	case audit.ProbeTechnical:
		if m.Technical == nil {
			return false
		}
		return !o.sanity.RequirePageLoad || m.Technical.PageLoadMs > 0
	default:
		return m.Content != nil || m.Ads != nil || m.Policy != nil || m.Technical != nil
	}
}

func qualityLevel(score float64) audit.QualityLevel {
	switch {
	case score >= 0.9:
		return audit.QualityExcellent
	case score >= 0.7:
		return audit.QualityGood
	case score >= 0.5:
		return audit.QualityWarning
	default:
		return audit.QualityCritical
	}
}

// jitter spreads d by ±10% so concurrent retries against the same target do
// not synchronize.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return d
	}
	return d - d/10 + time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
