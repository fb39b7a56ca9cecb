// Package queue moves dispatch and notice jobs off the request path.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xelth-com/etimsgo/internal/config"
)

// Job kinds
const (
	KindDispatch = "dispatch"
	KindNotices  = "notices"
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("queue closed")

// Job is one unit of background work
type Job struct {
	Kind         string    `json:"kind"`
	SubmissionID uint      `json:"submissionId,omitempty"`
	SettingsID   uint      `json:"settingsId,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// Handler processes a job. A returned error is logged, the job is not redelivered.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs and feeds them to a handler
type Queue interface {
	// Enqueue returns once the job is accepted, never waiting for it to run
	Enqueue(ctx context.Context, job Job) error
	// Start begins consuming until ctx is done or Close is called
	Start(ctx context.Context, h Handler) error
	Close() error
}

// DispatchJob builds a dispatch job for a submission
func DispatchJob(submissionID uint) Job {
	return Job{Kind: KindDispatch, SubmissionID: submissionID, EnqueuedAt: time.Now().UTC()}
}

// NoticesJob builds a notice refresh job for a settings record
func NoticesJob(settingsID uint) Job {
	return Job{Kind: KindNotices, SettingsID: settingsID, EnqueuedAt: time.Now().UTC()}
}

// New builds the queue selected by cfg.Driver
func New(cfg config.QueueConfig, log *zap.Logger) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.Workers, cfg.Buffer, log), nil
	case "amqp":
		return NewAMQP(cfg.AMQPURL, cfg.Name, cfg.Workers, cfg.Prefetch, log), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

// run calls h and turns a panic into an error so one bad job cannot kill a worker
func run(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Kind, r)
		}
	}()
	return h(ctx, job)
}
