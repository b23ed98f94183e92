package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/breaker"
	"github.com/adverify/siteauditor/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeScheduleStore struct {
	mu    sync.Mutex
	defs  []audit.ScheduleDefinition
	execs map[string]audit.ScheduleExecution
}

func newFakeScheduleStore(defs ...audit.ScheduleDefinition) *fakeScheduleStore {
	return &fakeScheduleStore{defs: defs, execs: make(map[string]audit.ScheduleExecution)}
}

func (s *fakeScheduleStore) ListActiveSchedules(context.Context) ([]audit.ScheduleDefinition, error) {
	return s.defs, nil
}

func (s *fakeScheduleStore) UpdateScheduleExecution(_ context.Context, id string, exec audit.ScheduleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[id] = exec
	return nil
}

func (s *fakeScheduleStore) execFor(id string) audit.ScheduleExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id]
}

type fakePublisherStore struct {
	due []audit.Publisher
	err error
}

func (s *fakePublisherStore) DuePublishers(context.Context, time.Duration) ([]audit.Publisher, error) {
	return s.due, s.err
}

type fakeAuditStore struct {
	audit.AuditStore
	superseded int
}

func (s *fakeAuditStore) SupersedeStale(context.Context, time.Duration) (int, error) {
	return s.superseded, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	order   []string
	failFor map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failFor: make(map[string]bool)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, pub audit.Publisher) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = append(d.order, pub.ID)
	if d.failFor[pub.ID] {
		return errors.New("worker rejected job")
	}
	return nil
}

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

func testScheduler(schedules *fakeScheduleStore, pubs *fakePublisherStore, dispatcher Dispatcher, clock audit.Clock) *Scheduler {
	brk := breaker.New(breaker.Config{Threshold: 3, Cooldown: time.Hour}, clock)
	return New(schedules, pubs, &fakeAuditStore{}, dispatcher, brk,
		Config{BatchSize: 5, DispatchInterval: time.Millisecond, StaleAfter: time.Hour},
		clock, zap.NewNop())
}

func def() audit.ScheduleDefinition {
	return audit.ScheduleDefinition{ID: "sched-1", Interval: 24 * time.Hour}
}

func TestRunSchedule_NoDuePublishers(t *testing.T) {
	t.Parallel()

	schedules := newFakeScheduleStore()
	s := testScheduler(schedules, &fakePublisherStore{}, newFakeDispatcher(), &fakeClock{now: time.Unix(1000, 0)})

	exec := s.RunSchedule(context.Background(), def())
	require.Equal(t, audit.RunCompletedNoJobs, exec.Status)
	require.Zero(t, exec.JobsQueued)
	require.Equal(t, exec, schedules.execFor("sched-1"))
}

func TestRunSchedule_DispatchesInPriorityOrder(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	recent := now.Add(-24 * time.Hour)
	old := now.Add(-45 * 24 * time.Hour)
	pubs := &fakePublisherStore{due: []audit.Publisher{
		{ID: "low-recent", RiskScore: 20, LastAuditAt: &recent},   // 1.0
		{ID: "hot-old", RiskScore: 90, LastAuditAt: &old},         // 3.0
		{ID: "warm-recent", RiskScore: 60, LastAuditAt: &recent},  // 1.5
		{ID: "hot-recent", RiskScore: 80, LastAuditAt: &recent},   // 2.0
		{ID: "never-audited", RiskScore: 10, LastAuditAt: nil},    // 1.5
	}}
	dispatcher := newFakeDispatcher()
	s := testScheduler(newFakeScheduleStore(), pubs, dispatcher, &fakeClock{now: now})

	exec := s.RunSchedule(context.Background(), def())
	require.Equal(t, audit.RunCompleted, exec.Status)
	require.Equal(t, 5, exec.JobsQueued)
	require.Equal(t, []string{"hot-old", "hot-recent", "never-audited", "warm-recent", "low-recent"}, dispatcher.dispatched())
}

func TestRunSchedule_DispatchFailuresMarkRunWithErrors(t *testing.T) {
	t.Parallel()

	pubs := &fakePublisherStore{due: []audit.Publisher{{ID: "pub-1"}, {ID: "pub-2"}}}
	dispatcher := newFakeDispatcher()
	dispatcher.failFor["pub-1"] = true
	s := testScheduler(newFakeScheduleStore(), pubs, dispatcher, &fakeClock{now: time.Unix(1000, 0)})

	exec := s.RunSchedule(context.Background(), def())
	require.Equal(t, audit.RunCompletedErrors, exec.Status)
	require.Equal(t, 1, exec.JobsQueued)
}

func TestRunSchedule_PublisherLoadErrorFailsRun(t *testing.T) {
	t.Parallel()

	schedules := newFakeScheduleStore()
	pubs := &fakePublisherStore{err: errors.New("db down")}
	s := testScheduler(schedules, pubs, newFakeDispatcher(), &fakeClock{now: time.Unix(1000, 0)})

	exec := s.RunSchedule(context.Background(), def())
	require.Equal(t, audit.RunFailed, exec.Status)
	require.Equal(t, "db down", exec.Error)
	require.Equal(t, audit.RunFailed, schedules.execFor("sched-1").Status)
}

func TestRunSchedule_SupersedesCrashedAudit(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := memory.New(clock)
	brk := breaker.New(breaker.Config{Threshold: 3, Cooldown: time.Hour}, clock)
	s := New(newFakeScheduleStore(), &fakePublisherStore{}, store, newFakeDispatcher(), brk,
		Config{BatchSize: 5, DispatchInterval: time.Millisecond, StaleAfter: time.Hour},
		clock, zap.NewNop())

	// A worker picked up site-1 and died before completing the audit.
	require.NoError(t, store.BeginAudit(context.Background(), "site-1", "https://example.com"))

	// Not yet stale: the next run leaves the record alone.
	clock.advance(30 * time.Minute)
	s.RunSchedule(context.Background(), def())
	n, err := store.SupersedeStale(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Re-create the crashed record and let it age past StaleAfter: the run's
	// sweep reaps it, leaving nothing for a direct sweep to find.
	require.NoError(t, store.BeginAudit(context.Background(), "site-1", "https://example.com"))
	clock.advance(2 * time.Hour)
	s.RunSchedule(context.Background(), def())
	n, err = store.SupersedeStale(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunSchedule_BreakerTripsAndCoolsDown(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	pubs := &fakePublisherStore{due: []audit.Publisher{{ID: "pub-1"}}}
	dispatcher := newFakeDispatcher()
	dispatcher.failFor["pub-1"] = true
	s := testScheduler(newFakeScheduleStore(), pubs, dispatcher, clock)

	// Three failing runs trip the breaker.
	for range 3 {
		exec := s.RunSchedule(context.Background(), def())
		require.Equal(t, audit.RunCompletedErrors, exec.Status)
	}
	require.Len(t, dispatcher.dispatched(), 3)

	// Tripped: the next run skips the publisher without attempting dispatch.
	exec := s.RunSchedule(context.Background(), def())
	require.Equal(t, audit.RunCompletedErrors, exec.Status)
	require.Len(t, dispatcher.dispatched(), 3)

	// After the cooldown the publisher is attempted again and a success
	// resets the breaker.
	clock.advance(2 * time.Hour)
	dispatcher.failFor["pub-1"] = false
	exec = s.RunSchedule(context.Background(), def())
	require.Equal(t, audit.RunCompleted, exec.Status)
	require.Equal(t, 1, exec.JobsQueued)
	require.Len(t, dispatcher.dispatched(), 4)
}
