package objectstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ringvault/ringvault/internal/storage"
)

var errTransient = errors.New("transient")

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), "op", "k", 5, RetryPolicy{}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil || n != 3 || calls != 3 {
		t.Fatalf("n=%d calls=%d err=%v", n, calls, err)
	}
}

func TestRetryExhausts(t *testing.T) {
	tests := []struct {
		attempts int
		want     int
	}{
		{attempts: 0, want: 1},
		{attempts: -2, want: 1},
		{attempts: 1, want: 1},
		{attempts: 4, want: 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempts), func(t *testing.T) {
			calls := 0
			n, err := Retry(context.Background(), "op", "k", tt.attempts, RetryPolicy{}, func(context.Context) error {
				calls++
				return errTransient
			})
			if !errors.Is(err, errTransient) {
				t.Errorf("err = %v", err)
			}
			if n != tt.want || calls != tt.want {
				t.Errorf("n=%d calls=%d, want %d", n, calls, tt.want)
			}
		})
	}
}

func TestRetryStopsOnNotFound(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), "op", "k", 5, RetryPolicy{}, func(context.Context) error {
		calls++
		return fmt.Errorf("get: %w", storage.ErrObjectNotFound)
	})
	if !errors.Is(err, storage.ErrObjectNotFound) || n != 1 || calls != 1 {
		t.Fatalf("n=%d calls=%d err=%v", n, calls, err)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, "op", "k", 5, policy, func(context.Context) error {
			calls++
			return errTransient
		})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
	if calls > 1 {
		t.Errorf("calls = %d", calls)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2}
	got := []time.Duration{p.InitialBackoff}
	for range 4 {
		got = append(got, p.next(got[len(got)-1]))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("backoffs = %v, want %v", got, want)
	}
}
