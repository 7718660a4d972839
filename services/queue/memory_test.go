package queuesvc

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		got  []string
		seen = make(chan struct{}, 4)
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, opID string) error {
			mu.Lock()
			got = append(got, opID)
			mu.Unlock()
			seen <- struct{}{}
			return nil
		})
	}()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("Publish(%s) failed: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Consume() = %v; want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Errorf("handled %d operations; want 3: %v", len(got), got)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := q.Publish(context.Background(), "op-1"); err != ErrClosed {
		t.Errorf("Publish() = %v; want ErrClosed", err)
	}
	// closing twice is safe
	if err := q.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
