package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/clock/system"
	"github.com/adverify/siteauditor/internal/crawl"
	"github.com/adverify/siteauditor/internal/id/uuid"
	"github.com/adverify/siteauditor/internal/notify"
	"github.com/adverify/siteauditor/internal/orchestrator"
	"github.com/adverify/siteauditor/internal/probes"
	"github.com/adverify/siteauditor/internal/queue"
	"github.com/adverify/siteauditor/internal/risk"
	"github.com/adverify/siteauditor/internal/storage/memory"
	"github.com/adverify/siteauditor/internal/telemetry"
	"github.com/adverify/siteauditor/internal/worker"
)

var auditSiteID string

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <url>",
		Short: "Audit a single site and print the result",
		Long: `Runs one complete audit of the given URL using in-memory storage:
crawl, probes, risk scoring, and change analysis. The resulting payload
and any alerts are printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: runAuditCommand,
	}
	cmd.Flags().StringVar(&auditSiteID, "site-id", "", "site identifier (default: hostname of the URL)")
	return cmd
}

func runAuditCommand(cmd *cobra.Command, args []string) error {
	url := args[0]
	siteID := auditSiteID
	if siteID == "" {
		siteID = telemetry.SanitizeSite(url)
	}

	clock := system.New()
	store := memory.New(clock)
	store.SeedPublishers([]audit.Publisher{{ID: siteID, SiteID: siteID, SiteURL: url}})

	fetcher := crawl.New(crawl.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.Timeout(),
	}, logger)

	orch := orchestrator.New(probes.Default(), orchestrator.Config{
		AttemptTimeout: cfg.Orchestrator.AttemptTimeout(),
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		RetryEnabled:   cfg.Orchestrator.RetryEnabled,
		BaseBackoff:    cfg.Orchestrator.BaseBackoff(),
	}, orchestrator.DefaultSanity(), clock, logger)

	pipeline := worker.NewPipeline(
		fetcher,
		orch,
		risk.NewEngine(),
		store,
		store,
		nil,
		uuid.NewGenerator(),
		clock,
		logger,
		cfg.Analysis.TrajectoryDays,
	)

	job := queue.Job{
		ID:        "cli",
		Publisher: audit.Publisher{ID: siteID, SiteID: siteID, SiteURL: url},
	}
	if err := pipeline.Process(cmd.Context(), job); err != nil {
		return fmt.Errorf("audit %s: %w", url, err)
	}

	payload, err := store.PreviousAudit(cmd.Context(), siteID)
	if err != nil {
		return fmt.Errorf("load audit result: %w", err)
	}

	// Print alerts through the log transport so the CLI surfaces the same
	// output an operator would see in production.
	transport := notify.NewLog(logger)
	for _, a := range store.Alerts() {
		if err := transport.Send(cmd.Context(), a, siteID, "cli"); err != nil {
			return fmt.Errorf("report alert: %w", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
