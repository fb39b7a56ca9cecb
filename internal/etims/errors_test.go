package etims

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xelth-com/etimsgo/internal/models"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   string
	}{
		{401, models.ErrorKindAuth},
		{403, models.ErrorKindAuth},
		{400, models.ErrorKindValidation},
		{404, models.ErrorKindValidation},
		{422, models.ErrorKindValidation},
		{408, models.ErrorKindTransient},
		{429, models.ErrorKindTransient},
		{500, models.ErrorKindTransient},
		{503, models.ErrorKindTransient},
		{202, models.ErrorKindValidation},
		{302, models.ErrorKindValidation},
	}
	for _, tc := range cases {
		err := ClassifyStatus("ItemSaveReq", tc.status, "", nil)
		if got := Kind(err); got != tc.kind {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.kind, got)
		}
	}
}

func TestKindSeesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", NewValidationError("ItemSaveReq", "bad item"))
	if !IsValidation(wrapped) {
		t.Error("wrapped validation error should be detected")
	}
	if Remote(wrapped) == nil || Remote(wrapped).Message != "bad item" {
		t.Error("Remote should expose the wrapped details")
	}
	if Kind(errors.New("something odd")) != models.ErrorKindTransient {
		t.Error("unknown errors should be treated as transient")
	}
	if Kind(nil) != "" {
		t.Error("nil error should have no kind")
	}
}

func TestClassifyTransportKeepsCancellation(t *testing.T) {
	if err := ClassifyTransport("op", context.Canceled); IsTransient(err) {
		t.Error("cancellation should not become a transient error")
	}
	if err := ClassifyTransport("op", errors.New("connection refused")); !IsTransient(err) {
		t.Error("transport failures should be transient")
	}
}
