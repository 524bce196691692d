package observer

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Test that if the context is already cancelled, Observe calls f exactly once and returns nil.
func TestObserveStopsImmediately(t *testing.T) {
	calls := 0
	o := &IntervalObserver[int]{
		Interval: time.Hour, // large so we don't actually sleep
		F: func(i int) error {
			calls++
			return nil
		},
		Observable: 42,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := o.Observe(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call to f, got %d", calls)
	}
}

// Test that if f returns an error on the 2nd invocation, Observe returns it immediately
func TestObserveStopsOnError(t *testing.T) {
	calls := 0
	testErr := errors.New("boom")
	o := &IntervalObserver[int]{
		Interval: 10 * time.Millisecond,
		F: func(i int) error {
			calls++
			if calls == 2 {
				return testErr
			}
			return nil
		},
		Observable: 7,
	}

	err := o.Observe(context.Background())
	if !errors.Is(err, testErr) {
		t.Fatalf("expected error %v, got %v", testErr, err)
	}
	if calls != 2 {
		t.Errorf("expected f to be called twice, got %d", calls)
	}
}

// Test that f itself can cancel the context and cause Observe to return nil
func TestObserveCancelledInF(t *testing.T) {
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := &IntervalObserver[struct{}]{
		Interval: 10 * time.Millisecond,
		F: func(_ struct{}) error {
			calls++
			// on the third call, signal to stop
			if calls == 3 {
				cancel()
			}
			return nil
		},
		Observable: struct{}{},
	}

	if err := o.Observe(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected f to be called 3 times, got %d", calls)
	}
}
