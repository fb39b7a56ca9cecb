package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/queue"
)

type fakeDispatcher struct {
	ids []uint
	err error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id uint) (*models.Submission, error) {
	f.ids = append(f.ids, id)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Submission{ID: id, Status: models.SubmissionStatusSubmitted}, nil
}

type fakeNotices struct {
	settings []uint
}

func (f *fakeNotices) RefreshNotices(ctx context.Context, settingsID uint) (int, error) {
	f.settings = append(f.settings, settingsID)
	return 1, nil
}

func TestHandlerRoutesJobs(t *testing.T) {
	d := &fakeDispatcher{}
	n := &fakeNotices{}
	h := NewHandler(d, n, nil)

	if err := h(context.Background(), queue.DispatchJob(5)); err != nil {
		t.Fatalf("Dispatch job failed: %v", err)
	}
	if err := h(context.Background(), queue.NoticesJob(2)); err != nil {
		t.Fatalf("Notices job failed: %v", err)
	}
	if len(d.ids) != 1 || d.ids[0] != 5 {
		t.Errorf("Expected submission 5 dispatched, got %v", d.ids)
	}
	if len(n.settings) != 1 || n.settings[0] != 2 {
		t.Errorf("Expected notices refreshed for settings 2, got %v", n.settings)
	}

	if err := h(context.Background(), queue.Job{Kind: "reindex"}); err == nil {
		t.Error("Unknown job kinds should be reported")
	}
}

func TestHandlerWrapsDispatchErrors(t *testing.T) {
	cause := errors.New("database is locked")
	h := NewHandler(&fakeDispatcher{err: cause}, &fakeNotices{}, nil)

	err := h(context.Background(), queue.DispatchJob(9))
	if !errors.Is(err, cause) {
		t.Errorf("Expected the cause to be wrapped, got %v", err)
	}
}
