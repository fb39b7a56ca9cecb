package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory is a bounded in-process queue drained by a fixed worker pool
type Memory struct {
	jobs    chan Job
	workers int
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewMemory creates an in-process queue
func NewMemory(workers, buffer int, log *zap.Logger) *Memory {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{jobs: make(chan Job, buffer), workers: workers, log: log}
}

// Enqueue blocks while the buffer is full, until ctx is done
func (q *Memory) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. It returns immediately.
func (q *Memory) Start(ctx context.Context, h Handler) error {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i, h)
	}
	q.log.Info("memory queue started", zap.Int("workers", q.workers))
	return nil
}

func (q *Memory) worker(ctx context.Context, id int, h Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			if err := run(ctx, h, job); err != nil {
				q.log.Warn("job failed",
					zap.Int("worker", id),
					zap.String("kind", job.Kind),
					zap.Uint("submission_id", job.SubmissionID),
					zap.Uint("settings_id", job.SettingsID),
					zap.Error(err))
			}
		}
	}
}

// Close stops accepting jobs, lets workers drain the buffer and waits for them
func (q *Memory) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
