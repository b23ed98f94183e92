// Package app initializes and holds the long-lived services of the auditor,
// acting as a constructor-injected dependency container built once at startup.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/alert"
	"github.com/adverify/siteauditor/internal/api"
	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/breaker"
	"github.com/adverify/siteauditor/internal/clock/system"
	"github.com/adverify/siteauditor/internal/config"
	"github.com/adverify/siteauditor/internal/crawl"
	"github.com/adverify/siteauditor/internal/id/uuid"
	"github.com/adverify/siteauditor/internal/notify"
	"github.com/adverify/siteauditor/internal/orchestrator"
	"github.com/adverify/siteauditor/internal/probes"
	"github.com/adverify/siteauditor/internal/queue"
	"github.com/adverify/siteauditor/internal/risk"
	"github.com/adverify/siteauditor/internal/scheduler"
	"github.com/adverify/siteauditor/internal/storage/gcs"
	"github.com/adverify/siteauditor/internal/storage/memory"
	"github.com/adverify/siteauditor/internal/storage/postgres"
	"github.com/adverify/siteauditor/internal/telemetry"
	"github.com/adverify/siteauditor/internal/worker"
)

// stores groups the persistence contracts so memory and postgres backends
// are interchangeable.
type stores struct {
	audits     audit.AuditStore
	alerts     audit.AlertStore
	schedules  audit.ScheduleStore
	publishers audit.PublisherStore
	recipients audit.RecipientDirectory
}

// App holds all shared, long-lived services. It is initialized once at
// startup and fails fast if any critical service cannot be built.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	stores   stores
	pgStore  *postgres.Store
	gcsCli   *gstorage.Client
	psClient *pubsub.Client
	psStop   func()

	queue      *queue.TaskQueue
	dispatcher *alert.Dispatcher
	scheduler  *scheduler.Scheduler
	httpServer *http.Server
}

// queueDispatcher adapts the task queue to the scheduler's dispatch contract.
type queueDispatcher struct {
	q *queue.TaskQueue
}

func (d queueDispatcher) Dispatch(_ context.Context, publisher audit.Publisher) error {
	_, err := d.q.Enqueue(publisher)
	return err
}

// New builds the full service graph from configuration. An empty database
// DSN selects the in-memory store; an empty alerts project id selects the
// log transport; an empty snapshots bucket disables HTML archiving.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	telemetry.Init()

	a := &App{cfg: cfg, logger: logger}
	clock := system.New()
	ids := uuid.NewGenerator()

	if cfg.DB.DSN != "" {
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pgStore = store
		a.stores = stores{audits: store, alerts: store, schedules: store, publishers: store, recipients: store}
		logger.Info("using postgres store")
	} else {
		store := memory.New(clock)
		a.stores = stores{audits: store, alerts: store, schedules: store, publishers: store, recipients: store}
		logger.Info("using in-memory store, state will not survive restarts")
	}

	var snapshots audit.SnapshotStore
	if cfg.Snapshots.GCSBucket != "" {
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.gcsCli = client
		snapshots, err = gcs.New(client, gcs.Config{Bucket: cfg.Snapshots.GCSBucket, Prefix: cfg.Snapshots.Prefix})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create snapshot store: %w", err)
		}
		logger.Info("snapshot archiving enabled", zap.String("bucket", cfg.Snapshots.GCSBucket))
	}

	var transport audit.NotificationTransport
	if cfg.Alerts.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.Alerts.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.psClient = client
		ps, err := notify.NewPubSub(ctx, client, cfg.Alerts.TopicName, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create pubsub transport: %w", err)
		}
		a.psStop = ps.Stop
		transport = ps
		logger.Info("alert notifications via pubsub", zap.String("topic", cfg.Alerts.TopicName))
	} else {
		transport = notify.NewLog(logger)
		logger.Info("alert notifications via log transport")
	}

	fetcher := crawl.New(crawl.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.Timeout(),
	}, logger)

	sanity := orchestrator.DefaultSanity()
	if cfg.Orchestrator.MinContentLength > 0 {
		sanity.MinContentTextLength = cfg.Orchestrator.MinContentLength
	}
	orch := orchestrator.New(probes.Default(), orchestrator.Config{
		AttemptTimeout: cfg.Orchestrator.AttemptTimeout(),
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		RetryEnabled:   cfg.Orchestrator.RetryEnabled,
		BaseBackoff:    cfg.Orchestrator.BaseBackoff(),
	}, sanity, clock, logger)

	pipeline := worker.NewPipeline(
		fetcher,
		orch,
		risk.NewEngine(),
		a.stores.audits,
		a.stores.alerts,
		snapshots,
		ids,
		clock,
		logger,
		cfg.Analysis.TrajectoryDays,
	)
	a.queue = queue.New(ctx, "audits", pipeline.Process, clock, logger)

	a.dispatcher = alert.NewDispatcher(
		a.stores.alerts,
		a.stores.recipients,
		transport,
		clock,
		logger,
		cfg.Alerts.BatchLimit,
	)

	a.scheduler = scheduler.New(
		a.stores.schedules,
		a.stores.publishers,
		a.stores.audits,
		queueDispatcher{q: a.queue},
		breaker.New(breaker.Config{}, clock),
		scheduler.Config{
			BatchSize:        cfg.Scheduler.BatchSize,
			DispatchInterval: cfg.Scheduler.DispatchInterval(),
			StaleAfter:       cfg.Scheduler.StaleAfter(),
		},
		clock,
		logger,
	)

	server := api.NewServer(a.queue, a.stores.audits, a.stores.alerts, logger)
	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Run starts the scheduler, the alert dispatch loop, and the HTTP server,
// then blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer a.scheduler.Stop()
	}

	go a.dispatchLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Dispatcher exposes the alert dispatcher for one-shot CLI runs.
func (a *App) Dispatcher() *alert.Dispatcher {
	return a.dispatcher
}

func (a *App) dispatchLoop(ctx context.Context) {
	interval := a.cfg.Alerts.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := a.dispatcher.ProcessPending(ctx)
			if err != nil {
				a.logger.Error("alert dispatch pass failed", zap.Error(err))
				continue
			}
			if summary.Processed > 0 {
				a.logger.Info("alert dispatch pass",
					zap.Int("processed", summary.Processed),
					zap.Int("succeeded", summary.Succeeded),
					zap.Int("failed", summary.Failed),
				)
			}
		}
	}
}

// Close shuts down all services. Safe to call on a partially built App.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.psStop != nil {
		a.psStop()
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	if a.gcsCli != nil {
		if err := a.gcsCli.Close(); err != nil {
			a.logger.Warn("close storage client", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	_ = a.logger.Sync()
}
