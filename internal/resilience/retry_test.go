package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetrierDo(t *testing.T) {
	t.Run("returns immediately on success", func(t *testing.T) {
		r := NewRetrier(RetrierConfig{Delay: time.Hour, Logger: quietLogger()})
		calls := 0
		err := r.Do(context.Background(), "op", func() error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("retries until success", func(t *testing.T) {
		r := NewRetrier(RetrierConfig{Delay: time.Millisecond, Logger: quietLogger()})
		calls := 0
		err := r.Do(context.Background(), "op", func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("cancellation during delay aborts", func(t *testing.T) {
		r := NewRetrier(RetrierConfig{Delay: time.Hour, Logger: quietLogger()})
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- r.Do(ctx, "op", func() error {
				return errors.New("always fails")
			})
		}()

		// Let the first attempt run, then cancel while the retrier sleeps.
		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("err = %v, want context.Canceled", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Do did not return after cancellation")
		}
	})

	t.Run("already-cancelled context skips the attempt", func(t *testing.T) {
		r := NewRetrier(RetrierConfig{Delay: time.Millisecond, Logger: quietLogger()})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := r.Do(ctx, "op", func() error {
			calls++
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if calls != 0 {
			t.Errorf("calls = %d, want 0", calls)
		}
	})

	t.Run("bounded attempts give up with wrapped error", func(t *testing.T) {
		r := NewRetrier(RetrierConfig{Delay: time.Millisecond, MaxAttempts: 2, Logger: quietLogger()})
		sentinel := errors.New("persistent")
		calls := 0
		err := r.Do(context.Background(), "op", func() error {
			calls++
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("err = %v, want wrapped sentinel", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("OnRetry fires per failed attempt", func(t *testing.T) {
		r := NewRetrier(RetrierConfig{Delay: time.Millisecond, Logger: quietLogger()})
		var labels []string
		r.OnRetry = func(label string) { labels = append(labels, label) }

		calls := 0
		_ = r.Do(context.Background(), "summarize", func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if len(labels) != 2 {
			t.Fatalf("OnRetry fired %d times, want 2", len(labels))
		}
		if labels[0] != "summarize" {
			t.Errorf("label = %q, want %q", labels[0], "summarize")
		}
	})
}
