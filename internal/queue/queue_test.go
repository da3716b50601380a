package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/observability"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	q := New(cfg, metrics, zerolog.Nop())
	t.Cleanup(q.Close)
	return q
}

func TestSameKeyTasksRunInSubmissionOrder(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 4, Depth: 256, RetryInterval: time.Millisecond})

	const n = 100
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		i := i
		q.Submit("user-1:default", "append", func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
			if len(got) == n {
				close(done)
			}
			return nil
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("tasks did not complete, got %d of %d", len(got), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d (per-key order violated)", i, v, i)
		}
	}
}

func TestFailedTaskIsRetriedThenSucceeds(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 1, Depth: 16, MaxRetries: 3, RetryInterval: time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	q.Submit("k", "flaky", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never succeeded, attempts = %d", attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestExhaustedRetriesAreDroppedNotFatal(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 1, Depth: 16, MaxRetries: 2, RetryInterval: time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	q.Submit("k", "doomed", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("permanent")
	})

	// A later task on the same key must still run after the dead-letter.
	done := make(chan struct{})
	q.Submit("k", "after", func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("queue stalled after dead-letter")
	}

	mu.Lock()
	defer mu.Unlock()
	if want := 3; attempts != want { // initial try + 2 retries
		t.Fatalf("attempts = %d, want %d", attempts, want)
	}
}

func TestSubmitOnFullBufferDropsInsteadOfBlocking(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 1, Depth: 1, RetryInterval: time.Millisecond})

	block := make(chan struct{})
	q.Submit("k", "blocker", func(context.Context) error {
		<-block
		return nil
	})
	// Give the worker time to pick up the blocker so the buffer is
	// predictably free/full below.
	time.Sleep(20 * time.Millisecond)

	q.Submit("k", "buffered", func(context.Context) error { return nil })

	start := time.Now()
	q.Submit("k", "overflow", func(context.Context) error { return nil })
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Submit blocked for %v on a full buffer", elapsed)
	}
	close(block)
}
