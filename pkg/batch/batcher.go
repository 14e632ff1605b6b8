// Package batch groups small writes and hands them to a processor in one go.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("batcher stopped")

// Operation is a single pending write. Operations sharing a non-empty key
// coalesce while pending: the later one replaces the earlier in place.
type Operation interface {
	Key() string
}

// Processor executes one batch of operations.
type Processor interface {
	ProcessBatch(ctx context.Context, operations []Operation) error
}

type Batcher struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor

	mu      sync.Mutex
	pending []Operation
	index   map[string]int
	stopped bool
	onError func(error)

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
}

func NewBatcher(batchSize int, batchInterval time.Duration, processor Processor) *Batcher {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		pending:       make([]Operation, 0, batchSize),
		index:         make(map[string]int),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// OnError sets a callback for failures of background flushes.
func (b *Batcher) OnError(fn func(error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

func (b *Batcher) Add(op Operation) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if key := op.Key(); key != "" {
		if i, ok := b.index[key]; ok {
			b.pending[i] = op
			b.mu.Unlock()
			return nil
		}
		b.index[key] = len(b.pending)
	}
	b.pending = append(b.pending, op)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush processes everything pending right now.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	ops := b.pending
	b.pending = make([]Operation, 0, b.batchSize)
	b.index = make(map[string]int)
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, ops)
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushInBackground()
		case <-b.flushChan:
			b.flushInBackground()
		case <-b.stopChan:
			b.flushInBackground()
			return
		}
	}
}

func (b *Batcher) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Flush(ctx); err != nil {
		b.mu.Lock()
		fn := b.onError
		b.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
}

// Stop rejects further operations, flushes what is pending and waits for
// the final flush or ctx.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopChan)
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
