package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"nancy/internal/brain"
)

func TestReadWithRetryTransientFailure(t *testing.T) {
	calls := 0
	err := ReadWithRetry(context.Background(), brain.KindAnalytical, "QueryDocuments", 0, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return brain.BackendUnavailable(brain.KindAnalytical, errors.New("connection refused"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestReadWithRetryTimeout(t *testing.T) {
	calls := 0
	err := ReadWithRetry(context.Background(), brain.KindAnalytical, "QuerySQL", 20*time.Millisecond, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if brain.KindOf(err) != brain.KindBackendTimeout {
		t.Fatalf("kind = %s, err = %v", brain.KindOf(err), err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want one retry after the timeout", calls)
	}
}

func TestReadWithRetryPermanentFailure(t *testing.T) {
	calls := 0
	wantErr := errors.New("syntax error")
	err := ReadWithRetry(context.Background(), brain.KindAnalytical, "QuerySQL", 0, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, permanent failures must not be retried", calls)
	}
}

func TestReadWithRetryStopsOnCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := ReadWithRetry(ctx, brain.KindAnalytical, "QueryDocuments", 0, func(ctx context.Context) error {
		calls++
		cancel()
		return brain.BackendUnavailable(brain.KindAnalytical, errors.New("backend down"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want no retry after caller cancellation", calls)
	}
	if brain.KindOf(err) != brain.KindBackendUnavailable {
		t.Errorf("err = %v", err)
	}
}
