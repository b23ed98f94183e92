// Package queue implements a single-worker FIFO task queue with an in-memory
// backlog. Jobs are drained by a dedicated goroutine so enqueueing never
// blocks on job execution.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/telemetry"
)

const maxStackBytes = 4096

// Job is one unit of queued audit work.
type Job struct {
	ID        string
	Publisher audit.Publisher
}

// Processor executes one job. Errors are logged by the queue; a failed job is
// not re-queued.
type Processor func(ctx context.Context, job Job) error

// TaskQueue is a named FIFO queue drained by a single worker goroutine, so at
// most one job executes at any time. The backlog is unbounded.
type TaskQueue struct {
	name      string
	processor Processor
	logger    *zap.Logger
	clock     audit.Clock

	mu        sync.Mutex
	backlog   []Job
	executing bool
	closed    bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a TaskQueue and starts its worker goroutine. The provided
// context bounds every job execution; cancelling it stops the worker after
// the in-flight job returns.
func New(ctx context.Context, name string, processor Processor, clock audit.Clock, logger *zap.Logger) *TaskQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &TaskQueue{
		name:      name,
		processor: processor,
		logger:    logger.With(zap.String("queue", name)),
		clock:     clock,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a job for publisher to the backlog and returns its id.
// Returns an error once the queue is closed.
func (q *TaskQueue) Enqueue(publisher audit.Publisher) (string, error) {
	id, err := newJobID(q.name)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", fmt.Errorf("queue %q is closed", q.name)
	}
	q.backlog = append(q.backlog, Job{ID: id, Publisher: publisher})
	depth := len(q.backlog)
	q.mu.Unlock()

	telemetry.SetQueueDepth(q.name, depth)
	q.signal()
	return id, nil
}

// GetJob returns a pending job by id. Executing and finished jobs are not
// found.
func (q *TaskQueue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.backlog {
		if job.ID == id {
			return job, true
		}
	}
	return Job{}, false
}

// Depth returns the number of pending jobs.
func (q *TaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// ActiveJobCount returns the number of jobs currently executing, which is
// always 0 or 1.
func (q *TaskQueue) ActiveJobCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.executing {
		return 1
	}
	return 0
}

// Close discards all pending jobs and stops the worker. It blocks until the
// in-flight job, if any, has returned.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.backlog = nil
	q.mu.Unlock()

	telemetry.SetQueueDepth(q.name, 0)
	q.cancel()
	q.wg.Wait()
}

func (q *TaskQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		for {
			job, ok := q.pop()
			if !ok {
				break
			}
			q.process(job)
			select {
			case <-q.ctx.Done():
				return
			default:
			}
		}
	}
}

func (q *TaskQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return Job{}, false
	}
	job := q.backlog[0]
	q.backlog = q.backlog[1:]
	q.executing = true
	telemetry.SetQueueDepth(q.name, len(q.backlog))
	return job, true
}

func (q *TaskQueue) process(job Job) {
	telemetry.IncActiveJobs()
	defer func() {
		telemetry.DecActiveJobs()
		q.mu.Lock()
		q.executing = false
		q.mu.Unlock()

		if r := recover(); r != nil {
			stack := debug.Stack()
			if len(stack) > maxStackBytes {
				stack = stack[:maxStackBytes]
			}
			q.logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		}
	}()

	start := q.clock.Now()
	if err := q.processor(q.ctx, job); err != nil {
		q.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("publisher_id", job.Publisher.ID),
			zap.Duration("elapsed", q.clock.Now().Sub(start)),
			zap.Error(err),
		)
		return
	}
	q.logger.Debug("job finished",
		zap.String("job_id", job.ID),
		zap.Duration("elapsed", q.clock.Now().Sub(start)),
	)
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func newJobID(queue string) (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return fmt.Sprintf("%s-%s", queue, hex.EncodeToString(buf)), nil
}
