package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/queue"
)

// Dispatcher sends one submission
type Dispatcher interface {
	Dispatch(ctx context.Context, id uint) (*models.Submission, error)
}

// NoticeRefresher pulls new authority notices
type NoticeRefresher interface {
	RefreshNotices(ctx context.Context, settingsID uint) (int, error)
}

// NewHandler routes queued jobs to the dispatch and lookup services
func NewHandler(d Dispatcher, n NoticeRefresher, log *zap.Logger) queue.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, job queue.Job) error {
		switch job.Kind {
		case queue.KindDispatch:
			sub, err := d.Dispatch(ctx, job.SubmissionID)
			if err != nil {
				return fmt.Errorf("dispatch %d: %w", job.SubmissionID, err)
			}
			log.Debug("job done",
				zap.Uint("submission_id", sub.ID),
				zap.String("status", sub.Status),
				zap.Duration("queued_for", time.Since(job.EnqueuedAt)))
			return nil

		case queue.KindNotices:
			if _, err := n.RefreshNotices(ctx, job.SettingsID); err != nil {
				return fmt.Errorf("refresh notices for settings %d: %w", job.SettingsID, err)
			}
			return nil
		}
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
