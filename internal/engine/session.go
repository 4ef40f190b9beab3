package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aircast-audio/aircast/pkg/audio"
)

// State is a session's position in its lifecycle. Transitions only move
// forward: Starting → Active → Stopping → Closed.
type State int32

const (
	// StateStarting means the session object exists but no frame has been
	// processed yet and no listeners have joined.
	StateStarting State = iota

	// StateActive means the frame worker has seen its first frame. Frames are
	// enhanced, recorded and fanned out; listeners may join.
	StateActive

	// StateStopping means a cleanup trigger fired. Inbound frames are dropped,
	// new listeners are rejected, queued frames continue to drain.
	StateStopping

	// StateClosed is terminal: recording finalized, listeners closed, session
	// removed from the registry.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventNotifier receives fire-and-forget lifecycle events. The engine never
// waits on or branches on the outcome; implementations log their own errors.
type EventNotifier interface {
	NotifyStreamStarted(ctx context.Context, owner string)
	NotifyStreamEnded(ctx context.Context, owner string)
	NotifyRecordingSaved(ctx context.Context, owner, handle string, duration time.Duration)
}

// defaultInboundQueueSize bounds the frame worker's mailbox. Deep enough to
// absorb enhancer latency spikes without the transport noticing.
const defaultInboundQueueSize = 256

// sessionConfig carries everything a session needs from the engine.
type sessionConfig struct {
	id             string
	owner          string
	denoiseEnabled bool
	sampleRate     int

	pipeline          *pipeline
	listenerQueueSize int
	inboundQueueSize  int

	saver      RecordingSaver
	notifier   EventNotifier
	unregister func(*Session)
	log        *slog.Logger

	// onFrameDropped is called with the number of frames evicted from
	// listener queues during one fan-out pass. May be nil.
	onFrameDropped func(n int)
	// onRecordingSaved is called once per attempted recording save with its
	// outcome (nil on success). Skipped for empty recordings, which never
	// reach the saver. May be nil.
	onRecordingSaved func(err error)
	// onListenerDelta is called with +1/-1 as listeners join and leave, and
	// with -n when teardown closes the remaining queues. May be nil.
	onListenerDelta func(delta int)
	// onClosed is called once when teardown completes. May be nil.
	onClosed func()
}

// Session owns one broadcaster's live stream: the enhancement pipeline, the
// recording buffer and the set of listener queues. One sequential frame
// worker per session processes inbound frames, so N sessions run fully in
// parallel and a slow enhancer call on one never delays another.
//
// All exported methods are safe for concurrent use.
type Session struct {
	cfg sessionConfig

	state     atomic.Int32
	stopping  atomic.Bool // cleanup guard; flipped exactly once by CAS
	startedAt atomic.Int64

	inbound    chan audio.Frame
	stopCh     chan struct{}
	workerDone chan struct{}
	closedCh   chan struct{}

	recording *RecordingBuffer

	listMu    sync.RWMutex
	listeners map[string]*ListenerChannel

	inboundDrops atomic.Uint64
}

func newSession(cfg sessionConfig) *Session {
	if cfg.inboundQueueSize <= 0 {
		cfg.inboundQueueSize = defaultInboundQueueSize
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	cfg.log = cfg.log.With("session_id", cfg.id, "owner", cfg.owner)

	return &Session{
		cfg:        cfg,
		inbound:    make(chan audio.Frame, cfg.inboundQueueSize),
		stopCh:     make(chan struct{}),
		workerDone: make(chan struct{}),
		closedCh:   make(chan struct{}),
		recording:  NewRecordingBuffer(),
		listeners:  make(map[string]*ListenerChannel),
	}
}

// ID returns the session's opaque unique identifier.
func (s *Session) ID() string { return s.cfg.id }

// Owner returns the broadcaster's identity.
func (s *Session) Owner() string { return s.cfg.owner }

// DenoiseEnabled reports whether the enhancement path is active. Immutable
// for the session's lifetime.
func (s *Session) DenoiseEnabled() bool { return s.cfg.denoiseEnabled }

// SampleRate returns the fixed sample rate every accepted frame must carry.
func (s *Session) SampleRate() int { return s.cfg.sampleRate }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// StartedAt returns when the session entered Active, or the zero time if it
// never did.
func (s *Session) StartedAt() time.Time {
	ns := s.startedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Done returns a channel that is closed once teardown has fully completed.
// Callers that need "the session has ended" rather than "a stop has been
// requested" wait on this; [Session.RequestStop] returns immediately for
// every caller that did not win the stopping guard.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// ListenerCount returns the number of attached listeners.
func (s *Session) ListenerCount() int {
	s.listMu.RLock()
	defer s.listMu.RUnlock()
	return len(s.listeners)
}

// start launches the frame worker. Called once by the engine after the
// session is registered. The worker outlives the start request (typically an
// HTTP handler whose context dies the moment it returns), so it runs detached
// from the caller's cancellation; trace values still carry over.
func (s *Session) start(ctx context.Context) {
	go s.run(context.WithoutCancel(ctx))
}

// PushFrame hands one decoded inbound frame to the session's worker. The
// call never blocks: when the worker's mailbox is full the frame is dropped
// and counted. Frames arriving after the session entered Stopping are
// discarded with [ErrSessionEnded], an expected race during shutdown rather
// than a failure; frames for a session whose teardown already completed get
// [ErrSessionClosed].
func (s *Session) PushFrame(frame audio.Frame) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if s.stopping.Load() {
		return ErrSessionEnded
	}
	if s.cfg.sampleRate != 0 && frame.SampleRate != s.cfg.sampleRate {
		s.cfg.log.Debug("dropping frame with mismatched sample rate",
			"got", frame.SampleRate, "want", s.cfg.sampleRate)
		return nil
	}

	select {
	case s.inbound <- frame:
	default:
		// Worker is behind (slow enhancer). Dropping inbound keeps the
		// transport from blocking; recency wins over completeness here too.
		if n := s.inboundDrops.Add(1); n == 1 || n%100 == 0 {
			s.cfg.log.Warn("inbound queue full, dropping frame", "total_dropped", n)
		}
	}
	return nil
}

// AddListener attaches a new delivery queue for listenerID. Rejected with
// [ErrSessionEnded] once the session is stopping and [ErrSessionClosed] once
// teardown has completed, using the same guard as the state transition so a
// join racing with shutdown is decided atomically. Joining twice with the
// same ID replaces the previous queue (the old one is closed).
func (s *Session) AddListener(listenerID string) (*ListenerChannel, error) {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}
	// Checked under listMu: cleanup flips the guard before it takes listMu
	// to close the queues, so either this join sees the guard and fails, or
	// it completes and cleanup closes the new queue along with the rest.
	if s.stopping.Load() {
		return nil, ErrSessionEnded
	}

	replaced := false
	if old, ok := s.listeners[listenerID]; ok {
		old.close()
		replaced = true
	}
	lc := newListenerChannel(listenerID, s.cfg.listenerQueueSize)
	s.listeners[listenerID] = lc

	if !replaced && s.cfg.onListenerDelta != nil {
		s.cfg.onListenerDelta(1)
	}
	s.cfg.log.Info("listener joined", "listener_id", listenerID, "listeners", len(s.listeners))
	return lc, nil
}

// RemoveListener detaches and closes the listener's queue. Removing an
// unknown or already-removed listener is a no-op; removal is safe to call
// concurrently with fan-out.
func (s *Session) RemoveListener(listenerID string) {
	s.listMu.Lock()
	lc, ok := s.listeners[listenerID]
	if ok {
		delete(s.listeners, listenerID)
	}
	s.listMu.Unlock()

	if ok {
		lc.close()
		if s.cfg.onListenerDelta != nil {
			s.cfg.onListenerDelta(-1)
		}
		s.cfg.log.Info("listener left", "listener_id", listenerID)
	}
}

// RequestStop is the cleanup coordinator: every shutdown trigger (explicit
// stop, transport disconnect, process shutdown sweep) lands here. The first
// caller to flip the stopping guard executes the teardown body exactly once;
// concurrent and later callers return immediately. "Already stopping" is
// success for a caller whose only goal is to make sure the session ends.
//
// Teardown: stop the worker, flush the pipeline, finalize the recording,
// close every listener queue, remove the session from the registry, enter
// Closed, and emit lifecycle events. A persistence failure is logged and
// reported but never aborts the remaining steps.
func (s *Session) RequestStop(ctx context.Context, reason string) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	defer close(s.closedCh)

	s.state.Store(int32(StateStopping))
	s.cfg.log.Info("session stopping", "reason", reason)

	// Wake the worker and wait for the in-flight frame to finish; shutdown
	// latency is bounded by one frame's processing time.
	close(s.stopCh)
	<-s.workerDone

	// Flush the partial enhancement window. Flushed audio still reaches the
	// recording and any listener queue that is draining.
	for _, frame := range s.cfg.pipeline.flush(ctx) {
		s.recording.Append(frame)
		s.fanOut(frame)
	}

	rec, err := s.recording.Finalize(ctx, s.cfg.owner, s.cfg.saver)
	if err != nil {
		// A failed save must not leave the session in limbo or leak
		// listener queues; teardown continues.
		s.cfg.log.Error("recording finalization failed", "err", err)
	}
	if s.cfg.onRecordingSaved != nil && (err != nil || rec.Handle != "") {
		s.cfg.onRecordingSaved(err)
	}

	s.closeListeners()
	s.cfg.unregister(s)
	s.state.Store(int32(StateClosed))

	if s.cfg.notifier != nil {
		s.cfg.notifier.NotifyStreamEnded(ctx, s.cfg.owner)
		if err == nil && rec.Handle != "" {
			s.cfg.notifier.NotifyRecordingSaved(ctx, s.cfg.owner, rec.Handle, rec.Duration)
		}
	}
	if s.cfg.onClosed != nil {
		s.cfg.onClosed()
	}

	s.cfg.log.Info("session closed",
		"recording_handle", rec.Handle,
		"recording_duration", rec.Duration,
		"inbound_dropped", s.inboundDrops.Load(),
	)
}

// run is the session's sequential frame worker.
func (s *Session) run(ctx context.Context) {
	defer close(s.workerDone)

	for {
		// Poll the stop guard at least once per frame.
		select {
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-s.stopCh:
			return
		case frame := <-s.inbound:
			s.process(ctx, frame)
		}
	}
}

// process runs one inbound frame through the pipeline and delivers the
// resulting output frames to the recording buffer and every listener.
func (s *Session) process(ctx context.Context, frame audio.Frame) {
	if s.state.CompareAndSwap(int32(StateStarting), int32(StateActive)) {
		s.startedAt.Store(time.Now().UnixNano())
		s.cfg.log.Info("session active", "sample_rate", frame.SampleRate)
	}

	for _, out := range s.cfg.pipeline.next(ctx, frame) {
		s.recording.Append(out)
		s.fanOut(out)
	}
}

// fanOut enqueues one processed frame into every listener queue,
// non-blocking, applying the drop-oldest policy per listener.
func (s *Session) fanOut(frame audio.Frame) {
	s.listMu.RLock()
	defer s.listMu.RUnlock()

	dropped := 0
	for _, lc := range s.listeners {
		if lc.enqueue(frame) {
			dropped++
		}
	}
	if dropped > 0 && s.cfg.onFrameDropped != nil {
		s.cfg.onFrameDropped(dropped)
	}
}

// closeListeners closes and detaches every listener queue.
func (s *Session) closeListeners() {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	n := len(s.listeners)
	for id, lc := range s.listeners {
		lc.close()
		delete(s.listeners, id)
	}
	if n > 0 && s.cfg.onListenerDelta != nil {
		s.cfg.onListenerDelta(-n)
	}
}
