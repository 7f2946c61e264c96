package decoder

import (
	"context"
	"sync"
	"sync/atomic"

	"landmarkrtc/pkg/models"
)

type item struct {
	frame *models.Frame
	err   error
}

// frameQueue hands decoded frames to a single consumer. When the consumer
// falls behind the oldest undelivered item is overwritten, so the pipeline
// always works on recent frames while still seeing them in order.
type frameQueue struct {
	mu     sync.Mutex
	items  []item
	size   int
	closed bool
	notify chan struct{}

	dropped atomic.Uint64
}

func newFrameQueue(size int) *frameQueue {
	if size < 1 {
		size = 1
	}
	return &frameQueue{
		items:  make([]item, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
	}
}

func (q *frameQueue) push(it item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) == q.size {
		q.items = q.items[1:]
		q.dropped.Add(1)
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.signal()
}

// close marks the end of the stream. Items already queued are still delivered.
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

func (q *frameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) pop(ctx context.Context) (*models.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it.frame, it.err
		}
		if q.closed {
			q.mu.Unlock()
			return nil, models.ErrStreamEnded
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
