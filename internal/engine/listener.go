package engine

import (
	"sync"
	"sync/atomic"

	"github.com/aircast-audio/aircast/pkg/audio"
)

// defaultListenerQueueSize bounds each listener's delivery queue. At 20 ms
// per frame this is roughly 1.28 s of backlog before the drop policy kicks in.
const defaultListenerQueueSize = 64

// ListenerChannel is one outbound delivery path for a session: a bounded FIFO
// of processed frames that a transport adapter drains independently of the
// producer. When the queue is full the oldest frame is dropped: live audio
// tolerates a gap better than growing latency. Delivered frames always
// preserve arrival order.
//
// Frames are enqueued by the session's frame worker and drained by exactly
// one consumer via [ListenerChannel.Frames]. Close may race with enqueues;
// both paths are guarded so a send on a closed queue cannot happen.
type ListenerChannel struct {
	id     string
	queue  chan audio.Frame
	closed atomic.Bool
	drops  atomic.Uint64

	// mu orders enqueue against close so the queue channel is never written
	// after it is closed.
	mu sync.Mutex
}

func newListenerChannel(id string, size int) *ListenerChannel {
	if size <= 0 {
		size = defaultListenerQueueSize
	}
	return &ListenerChannel{
		id:    id,
		queue: make(chan audio.Frame, size),
	}
}

// ID returns the listener's identifier, unique within its session.
func (l *ListenerChannel) ID() string { return l.id }

// Frames returns the delivery queue. The channel is closed when the listener
// leaves or the session ends; consumers should range over it.
func (l *ListenerChannel) Frames() <-chan audio.Frame { return l.queue }

// Dropped reports how many frames were discarded under the drop-oldest
// policy since the listener joined.
func (l *ListenerChannel) Dropped() uint64 { return l.drops.Load() }

// enqueue attempts a non-blocking delivery of frame. On a full queue the
// oldest queued frame is evicted first, so the producer never blocks on a
// slow consumer and delivered frames stay in order. Reports whether an
// eviction happened. Enqueue on a closed listener is a silent no-op.
func (l *ListenerChannel) enqueue(frame audio.Frame) (dropped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return false
	}

	select {
	case l.queue <- frame:
		return false
	default:
	}

	// Queue full: evict the oldest frame, then retry once. The consumer may
	// have drained concurrently, in which case the eviction select falls
	// through and the retry succeeds anyway.
	select {
	case <-l.queue:
		l.drops.Add(1)
		dropped = true
	default:
	}
	select {
	case l.queue <- frame:
	default:
		// Still full; only possible if the queue size is zero.
		l.drops.Add(1)
		dropped = true
	}
	return dropped
}

// close terminates the delivery queue. Safe to call more than once and safe
// to call concurrently with enqueue; the consumer observes a closed channel
// after the final frame.
func (l *ListenerChannel) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.CompareAndSwap(false, true) {
		close(l.queue)
	}
}
