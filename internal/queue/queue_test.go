package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	systemclock "github.com/adverify/siteauditor/internal/clock/system"
)

func TestTaskQueue_DrainsInFIFOOrderExactlyOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	processor := func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.Publisher.ID)
		return nil
	}

	q := New(context.Background(), "audits", processor, systemclock.New(), zap.NewNop())
	defer q.Close()

	var want []string
	for i := range 20 {
		id := fmt.Sprintf("pub-%02d", i)
		want = append(want, id)
		_, err := q.Enqueue(audit.Publisher{ID: id})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, seen)
}

func TestTaskQueue_AtMostOneActiveJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 16)
	processor := func(_ context.Context, _ Job) error {
		started <- struct{}{}
		<-release
		return nil
	}

	q := New(context.Background(), "audits", processor, systemclock.New(), zap.NewNop())
	defer q.Close()

	for i := range 5 {
		_, err := q.Enqueue(audit.Publisher{ID: fmt.Sprintf("pub-%d", i)})
		require.NoError(t, err)
	}

	<-started
	// One job is blocked inside the processor; the rest must stay pending.
	require.Equal(t, 1, q.ActiveJobCount())
	require.Equal(t, 4, q.Depth())

	close(release)
	require.Eventually(t, func() bool {
		return q.Depth() == 0 && q.ActiveJobCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTaskQueue_RecoversFromProcessorPanic(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var done []string
	processor := func(_ context.Context, job Job) error {
		if job.Publisher.ID == "boom" {
			panic("probe exploded")
		}
		mu.Lock()
		defer mu.Unlock()
		done = append(done, job.Publisher.ID)
		return nil
	}

	q := New(context.Background(), "audits", processor, systemclock.New(), zap.NewNop())
	defer q.Close()

	_, err := q.Enqueue(audit.Publisher{ID: "boom"})
	require.NoError(t, err)
	_, err = q.Enqueue(audit.Publisher{ID: "pub-2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 1 && done[0] == "pub-2"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTaskQueue_GetJobFindsPendingOnly(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	processor := func(_ context.Context, _ Job) error {
		<-release
		return nil
	}

	q := New(context.Background(), "audits", processor, systemclock.New(), zap.NewNop())
	defer q.Close()

	first, err := q.Enqueue(audit.Publisher{ID: "pub-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.ActiveJobCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	second, err := q.Enqueue(audit.Publisher{ID: "pub-2"})
	require.NoError(t, err)

	// first has been popped for execution and is no longer pending.
	_, ok := q.GetJob(first)
	require.False(t, ok)

	job, ok := q.GetJob(second)
	require.True(t, ok)
	require.Equal(t, "pub-2", job.Publisher.ID)

	close(release)
}

func TestTaskQueue_CloseRejectsEnqueue(t *testing.T) {
	t.Parallel()

	q := New(context.Background(), "audits", func(context.Context, Job) error { return nil }, systemclock.New(), zap.NewNop())
	q.Close()

	_, err := q.Enqueue(audit.Publisher{ID: "pub-1"})
	require.Error(t, err)
}
