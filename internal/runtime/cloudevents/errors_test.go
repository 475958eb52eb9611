package cloudevents

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		want      HandlerResult
		wantDelay time.Duration
	}{
		{"nil", nil, ResultAck, 0},
		{"skip", ErrSkip, ResultSkip, 0},
		{"wrapped skip", fmt.Errorf("dup: %w", ErrSkip), ResultSkip, 0},
		{"reject", ErrReject, ResultReject, 0},
		{"reject with reason", RejectWithReason("bad payload", nil), ResultReject, 0},
		{"retry after", RetryAfter(5*time.Second, errors.New("busy")), ResultRetryAfter, 5 * time.Second},
		{"explicit retry", ErrRetry, ResultRetry, 0},
		{"unknown", errors.New("boom"), ResultRetry, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, delay := ClassifyError(tc.err)
			if got != tc.want || delay != tc.wantDelay {
				t.Fatalf("ClassifyError(%v) = %v/%v, want %v/%v", tc.err, got, delay, tc.want, tc.wantDelay)
			}
		})
	}
}

func TestControlErrorsUnwrap(t *testing.T) {
	cause := errors.New("root")
	if !errors.Is(RetryAfter(time.Second, cause), cause) {
		t.Fatal("RetryAfterError should unwrap to cause")
	}
	if !errors.Is(RetryAfter(time.Second, nil), ErrRetry) {
		t.Fatal("RetryAfterError should match ErrRetry")
	}
	rejected := RejectWithReason("duplicate", cause)
	if !errors.Is(rejected, cause) || !errors.Is(rejected, ErrReject) {
		t.Fatal("RejectError should match cause and ErrReject")
	}
	if rejected.Error() != "gridflow: reject (duplicate): root" {
		t.Fatalf("unexpected message %q", rejected.Error())
	}
}
