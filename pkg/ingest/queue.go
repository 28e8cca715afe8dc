package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Op is a fetched message on its way into the board index. Payload holds
// the raw serialized message as the network fetcher delivered it and may be
// backed by a pooled buffer; consumers must call Item.Done() when finished.
type Op struct {
	// URI is the content address the payload was fetched from.
	URI string
	// ID is the self-certifying message identifier, if the fetcher already
	// knows it.
	ID      string
	Payload []byte
	// FetchTS is the fetch timestamp (nanoseconds).
	FetchTS int64
	// EnqSeq is a monotonic enqueue sequence assigned when the op is
	// accepted into the queue.
	EnqSeq uint64
}

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ingest queue full")

// Item wraps an Op and owns a pooled ByteBuffer if one was used. Consumers
// MUST call Done() exactly once after processing the item.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// maxPooledBuffer is the largest buffer returned to the pool. Larger ones
// are dropped so resident memory stays bounded.
var maxPooledBuffer = 256 * 1024

// Done releases pooled resources back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Op != nil {
			it.Op.Payload = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
	})
}

// Queue is a bounded in-memory queue between the network fetcher and the
// board manager. Safe for concurrent producers; consumers range over Out()
// or run RunWorker.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
}

var opPool = sync.Pool{New: func() any { return &Op{} }}

var enqSeq uint64

// NewQueue creates a bounded queue. Non-positive capacities fall back to a
// default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns the receive side of the queue. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

// TryEnqueue enqueues an op without blocking, copying the payload into a
// pooled buffer. Returns ErrQueueFull when at capacity; the fetcher may
// then back off and retry the fetch later.
func (q *Queue) TryEnqueue(op *Op) error {
	it := q.wrap(op)
	select {
	case q.ch <- it:
		return nil
	default:
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Enqueue blocks until space is available or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	it := q.wrap(op)
	select {
	case q.ch <- it:
		return nil
	case <-ctx.Done():
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		return ctx.Err()
	}
}

// EnqueueBytes copies payload and enqueues an Op built from the fields.
func (q *Queue) EnqueueBytes(ctx context.Context, uri, id string, payload []byte, ts int64) error {
	return q.Enqueue(ctx, &Op{URI: uri, ID: id, Payload: payload, FetchTS: ts})
}

func (q *Queue) wrap(op *Op) *Item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	return &Item{Op: newOp, buf: bb}
}

// RunWorker invokes handler for each dequeued op. Item.Done() is called
// even when the handler fails. The worker exits when stop is closed or the
// queue is closed and drained.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Op) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Op)
			}(it)
		case <-stop:
			return
		}
	}
}

// CloseAndDrain closes the queue and releases all remaining items.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped counts ops rejected by a full queue or cancelled enqueues.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
