package queuesvc

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// MemoryQueue is a channel-backed queue for single-process runs and tests.
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

func (q *MemoryQueue) Publish(ctx context.Context, opID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- opID:
		return nil
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case opID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, opID)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
