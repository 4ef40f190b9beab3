package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/aircast-audio/aircast/internal/engine"
	"github.com/aircast-audio/aircast/internal/observe"
	"github.com/aircast-audio/aircast/internal/store"
	"github.com/aircast-audio/aircast/pkg/audio"
)

type savedEvent struct {
	owner    string
	handle   string
	duration time.Duration
}

// captureNotifier records lifecycle events for assertions.
type captureNotifier struct {
	mu      sync.Mutex
	started []string
	ended   []string
	saved   []savedEvent
}

func (n *captureNotifier) NotifyStreamStarted(_ context.Context, owner string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, owner)
}

func (n *captureNotifier) NotifyStreamEnded(_ context.Context, owner string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, owner)
}

func (n *captureNotifier) NotifyRecordingSaved(_ context.Context, owner, handle string, duration time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.saved = append(n.saved, savedEvent{owner: owner, handle: handle, duration: duration})
}

func (n *captureNotifier) endedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ended)
}

func (n *captureNotifier) savedEvents() []savedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]savedEvent(nil), n.saved...)
}

func newTestEngine(t *testing.T, cfg engine.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(cfg, append([]engine.Option{engine.WithLogger(log)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

// pcmFrame builds a 20 ms frame whose samples all carry a value derived from
// i, so tests can tell frames apart after processing.
func pcmFrame(i, samples, rate int) audio.Frame {
	buf := make([]float32, samples)
	v := float32(i+1) / 100
	for j := range buf {
		buf[j] = v
	}
	return audio.Frame{
		Samples:    buf,
		SampleRate: rate,
		Channels:   1,
		Timestamp:  time.Duration(i) * 20 * time.Millisecond,
	}
}

func recvFrame(t *testing.T, lc *engine.ListenerChannel) audio.Frame {
	t.Helper()
	select {
	case f, ok := <-lc.Frames():
		if !ok {
			t.Fatal("listener channel closed while expecting a frame")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return audio.Frame{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartSessionDuplicateOwnerRejected(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 0)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id == "" {
		t.Fatal("StartSession returned an empty session ID")
	}

	dup, err := eng.StartSession(ctx, "gia", true, 44100)
	if !errors.Is(err, engine.ErrAlreadyStreaming) {
		t.Fatalf("second StartSession err = %v, want ErrAlreadyStreaming", err)
	}
	if dup != "" {
		t.Errorf("second StartSession returned ID %q, want empty", dup)
	}
	if eng.Registry().Len() != 1 {
		t.Errorf("registry holds %d sessions, want 1", eng.Registry().Len())
	}
}

func TestStartSessionOwnerSlotFreesAfterStop(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	first, err := eng.StartSession(ctx, "gia", false, 0)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	second, err := eng.StartSession(ctx, "gia", false, 0)
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if second == first {
		t.Error("restart reused the previous session ID")
	}
}

func TestStopSessionWithoutSession(t *testing.T) {
	notifier := &captureNotifier{}
	eng := newTestEngine(t, engine.Config{}, engine.WithNotifier(notifier))

	if err := eng.StopSession(context.Background(), "nobody"); err != nil {
		t.Fatalf("StopSession for absent owner: %v", err)
	}
	if notifier.endedCount() != 0 {
		t.Errorf("stop of absent owner emitted %d ended events, want 0", notifier.endedCount())
	}
}

func TestGetStatus(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	if st := eng.GetStatus("gia"); st.Active {
		t.Fatal("unknown owner reported as active")
	}

	id, err := eng.StartSession(ctx, "gia", true, 0)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	st := eng.GetStatus("gia")
	if !st.Active {
		t.Error("started session not reported as active")
	}
	if st.SessionID != id {
		t.Errorf("SessionID = %q, want %q", st.SessionID, id)
	}
	if st.State != engine.StateStarting {
		t.Errorf("State = %v, want starting before the first frame", st.State)
	}
	if !st.Denoise {
		t.Error("Denoise = false, want true")
	}
	if st.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want the 48000 default", st.SampleRate)
	}
}

func TestConcurrentStopsTearDownOnce(t *testing.T) {
	notifier := &captureNotifier{}
	eng := newTestEngine(t, engine.Config{}, engine.WithNotifier(notifier))
	ctx := context.Background()

	if _, err := eng.StartSession(ctx, "gia", false, 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s, ok := eng.Registry().Get("gia")
	if !ok {
		t.Fatal("session missing from registry")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RequestStop(ctx, "test trigger")
		}()
	}
	wg.Wait()

	if n := notifier.endedCount(); n != 1 {
		t.Fatalf("teardown emitted %d ended events, want exactly 1", n)
	}
	if eng.Registry().Len() != 0 {
		t.Errorf("registry holds %d sessions after stop, want 0", eng.Registry().Len())
	}
	if st := eng.GetStatus("gia"); st.Active {
		t.Error("owner still reported active after stop")
	}
}

func TestListenerReceivesFramesInOrder(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan-1")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}

	for i := 0; i < 5; i++ {
		eng.PushFrame(id, pcmFrame(i, 960, 48000))
	}

	for i := 0; i < 5; i++ {
		f := recvFrame(t, lc)
		if f.Seq != uint64(i+1) {
			t.Fatalf("frame %d has Seq %d, want %d", i, f.Seq, i+1)
		}
		want := float32(i+1) / 100
		if f.Samples[0] != want {
			t.Fatalf("frame %d payload = %v, want %v", i, f.Samples[0], want)
		}
	}
	if lc.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", lc.Dropped())
	}

	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if _, ok := <-lc.Frames(); ok {
		t.Error("listener channel still open after session stop")
	}
}

func TestSlowListenerDropsOldestFrames(t *testing.T) {
	eng := newTestEngine(t, engine.Config{ListenerQueueSize: 4})
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "slow-fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}

	// Nobody drains the queue, so frames 5..10 each evict the oldest.
	for i := 0; i < 10; i++ {
		eng.PushFrame(id, pcmFrame(i, 960, 48000))
	}
	waitFor(t, "drop-oldest evictions", func() bool { return lc.Dropped() == 6 })

	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	var seqs []uint64
	for f := range lc.Frames() {
		seqs = append(seqs, f.Seq)
	}
	want := []uint64{7, 8, 9, 10}
	if len(seqs) != len(want) {
		t.Fatalf("drained seqs %v, want the newest frames %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("drained seqs %v, want %v", seqs, want)
		}
	}
}

func TestLateListenerSeesOnlySubsequentFrames(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	early, err := eng.JoinListener(id, "early")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}

	for i := 0; i < 10; i++ {
		eng.PushFrame(id, pcmFrame(i, 960, 48000))
	}
	// Draining frame 10 on the early listener proves fan-out for all ten
	// frames has completed, so a join now happens strictly after them.
	for i := 0; i < 10; i++ {
		recvFrame(t, early)
	}

	late, err := eng.JoinListener(id, "late")
	if err != nil {
		t.Fatalf("late JoinListener: %v", err)
	}
	eng.PushFrame(id, pcmFrame(10, 960, 48000))

	f := recvFrame(t, late)
	if f.Seq != 11 {
		t.Fatalf("late listener's first frame has Seq %d, want 11", f.Seq)
	}
}

func TestRecordingCapturesAllPushedAudio(t *testing.T) {
	mem := store.NewMemory()
	notifier := &captureNotifier{}
	eng := newTestEngine(t, engine.Config{},
		engine.WithSaver(mem),
		engine.WithNotifier(notifier),
	)
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "sync")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}

	// 50 frames of 20 ms is exactly one second of audio.
	for i := 0; i < 50; i++ {
		eng.PushFrame(id, pcmFrame(i, 960, 48000))
	}
	for i := 0; i < 50; i++ {
		recvFrame(t, lc)
	}

	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	saved := notifier.savedEvents()
	if len(saved) != 1 {
		t.Fatalf("got %d recording-saved events, want 1", len(saved))
	}
	if saved[0].owner != "gia" || saved[0].duration != time.Second {
		t.Errorf("saved event = %+v, want owner gia with 1s duration", saved[0])
	}

	recs, err := mem.ListByOwner(ctx, "gia")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("store holds %d recordings, want 1", len(recs))
	}
	if recs[0].Duration != time.Second {
		t.Errorf("recording duration = %v, want 1s", recs[0].Duration)
	}
	if recs[0].SampleRate != 48000 {
		t.Errorf("recording sample rate = %d, want 48000", recs[0].SampleRate)
	}
	if recs[0].Handle != saved[0].handle {
		t.Errorf("store handle %q does not match notified handle %q", recs[0].Handle, saved[0].handle)
	}

	_, wav, err := mem.Get(ctx, recs[0].Handle)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(wav) == 0 {
		t.Error("stored WAV payload is empty")
	}
}

// failOnCall wraps an enhancer so one specific call fails.
type failOnCall struct {
	mu    sync.Mutex
	calls int
	fail  int
}

func (f *failOnCall) Enhance(_ context.Context, in audio.Frame) (audio.Frame, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n == f.fail {
		return audio.Frame{}, errors.New("inference backend unavailable")
	}
	out := in
	out.Samples = make([]float32, len(in.Samples))
	for i, s := range in.Samples {
		out.Samples[i] = -s
	}
	return out, nil
}

func TestEnhancerFailurePassesRawWindowThrough(t *testing.T) {
	mem := store.NewMemory()
	// A 20 ms window makes each pushed frame exactly one enhance call.
	eng := newTestEngine(t, engine.Config{EnhanceWindow: 20 * time.Millisecond},
		engine.WithEnhancer(&failOnCall{fail: 5}),
		engine.WithSaver(mem),
	)
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", true, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}

	for i := 0; i < 10; i++ {
		eng.PushFrame(id, pcmFrame(i, 960, 48000))
	}

	for i := 0; i < 10; i++ {
		f := recvFrame(t, lc)
		raw := float32(i+1) / 100
		want := -raw
		if i == 4 {
			// The failed window degrades to the raw audio instead of a gap.
			want = raw
		}
		if f.Samples[0] != want {
			t.Fatalf("window %d payload = %v, want %v", i, f.Samples[0], want)
		}
	}

	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	recs, err := mem.ListByOwner(ctx, "gia")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("store holds %d recordings, want 1", len(recs))
	}
	if want := 200 * time.Millisecond; recs[0].Duration != want {
		t.Errorf("recording duration = %v, want %v (no window lost)", recs[0].Duration, want)
	}
}

func TestPushFrameMismatchedRateDropped(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}

	eng.PushFrame(id, pcmFrame(0, 960, 44100)) // wrong rate, dropped
	eng.PushFrame(id, pcmFrame(1, 960, 48000))

	f := recvFrame(t, lc)
	if want := float32(2) / 100; f.Samples[0] != want {
		t.Fatalf("first delivered frame payload = %v, want %v (mismatched-rate frame must be dropped)", f.Samples[0], want)
	}
}

func TestPushFrameUnknownSession(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	eng.PushFrame("no-such-session", pcmFrame(0, 960, 48000)) // must not panic
}

func TestJoinListenerUnknownSession(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	if _, err := eng.JoinListener("no-such-session", "fan"); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestLeaveListenerClosesQueue(t *testing.T) {
	eng := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 0)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}
	if st := eng.GetStatus("gia"); st.Listeners != 1 {
		t.Fatalf("Listeners = %d, want 1", st.Listeners)
	}

	eng.LeaveListener(id, "fan")
	if st := eng.GetStatus("gia"); st.Listeners != 0 {
		t.Fatalf("Listeners = %d after leave, want 0", st.Listeners)
	}
	if _, ok := <-lc.Frames(); ok {
		t.Error("listener channel still open after leave")
	}

	eng.LeaveListener(id, "fan") // repeat leave is a no-op
}

// blockingSaver stalls finalization until released, holding the session in
// Stopping long enough for assertions.
type blockingSaver struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSaver) SaveRecording(context.Context, string, []float32, int) (string, error) {
	close(s.entered)
	<-s.release
	return "rec-blocked", nil
}

func TestJoinListenerWhileStoppingRejected(t *testing.T) {
	saver := &blockingSaver{entered: make(chan struct{}), release: make(chan struct{})}
	eng := newTestEngine(t, engine.Config{}, engine.WithSaver(saver))
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "sync")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}
	eng.PushFrame(id, pcmFrame(0, 960, 48000))
	recvFrame(t, lc)

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		_ = eng.StopSession(ctx, "gia")
	}()
	<-saver.entered // teardown is now mid-flight

	if _, err := eng.JoinListener(id, "late"); !errors.Is(err, engine.ErrSessionEnded) {
		t.Errorf("join during stop err = %v, want ErrSessionEnded", err)
	}

	close(saver.release)
	<-stopDone

	if eng.Registry().Len() != 0 {
		t.Errorf("registry holds %d sessions after stop, want 0", eng.Registry().Len())
	}
}

// failingSaver rejects every save.
type failingSaver struct{}

func (failingSaver) SaveRecording(context.Context, string, []float32, int) (string, error) {
	return "", errors.New("database offline")
}

func TestSaveFailureStillCompletesTeardown(t *testing.T) {
	notifier := &captureNotifier{}
	eng := newTestEngine(t, engine.Config{},
		engine.WithSaver(failingSaver{}),
		engine.WithNotifier(notifier),
	)
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}
	eng.PushFrame(id, pcmFrame(0, 960, 48000))
	recvFrame(t, lc)

	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	if eng.Registry().Len() != 0 {
		t.Error("failed save left the session in the registry")
	}
	if _, ok := <-lc.Frames(); ok {
		t.Error("failed save left the listener channel open")
	}
	if n := notifier.endedCount(); n != 1 {
		t.Errorf("got %d ended events, want 1", n)
	}
	if saved := notifier.savedEvents(); len(saved) != 0 {
		t.Errorf("got %d recording-saved events after a failed save, want 0", len(saved))
	}
}

func TestShutdownSweepsAllSessions(t *testing.T) {
	notifier := &captureNotifier{}
	eng := newTestEngine(t, engine.Config{}, engine.WithNotifier(notifier))
	ctx := context.Background()

	for _, owner := range []string{"a", "b", "c"} {
		if _, err := eng.StartSession(ctx, owner, false, 0); err != nil {
			t.Fatalf("StartSession(%s): %v", owner, err)
		}
	}

	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if eng.Registry().Len() != 0 {
		t.Errorf("registry holds %d sessions after shutdown, want 0", eng.Registry().Len())
	}
	if n := notifier.endedCount(); n != 3 {
		t.Errorf("got %d ended events, want 3", n)
	}
}

// liveCtxEnhancer negates samples and records the context state seen by each
// Enhance call.
type liveCtxEnhancer struct {
	mu   sync.Mutex
	errs []error
}

func (e *liveCtxEnhancer) Enhance(ctx context.Context, in audio.Frame) (audio.Frame, error) {
	e.mu.Lock()
	e.errs = append(e.errs, ctx.Err())
	e.mu.Unlock()

	out := in
	out.Samples = make([]float32, len(in.Samples))
	for i, s := range in.Samples {
		out.Samples[i] = -s
	}
	return out, nil
}

func (e *liveCtxEnhancer) ctxErrs() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func TestStartContextCancellationDoesNotStopEnhancement(t *testing.T) {
	enh := &liveCtxEnhancer{}
	eng := newTestEngine(t, engine.Config{EnhanceWindow: 20 * time.Millisecond},
		engine.WithEnhancer(enh),
	)

	// A start request's context dies as soon as its handler returns; the
	// session's worker must not inherit that cancellation.
	startCtx, cancel := context.WithCancel(context.Background())
	id, err := eng.StartSession(startCtx, "gia", true, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	cancel()

	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}
	eng.PushFrame(id, pcmFrame(0, 960, 48000))

	got := recvFrame(t, lc)
	if len(got.Samples) == 0 {
		t.Fatal("received an empty window")
	}
	if got.Samples[0] >= 0 {
		t.Errorf("window was not enhanced: first sample = %v, want negative", got.Samples[0])
	}

	errs := enh.ctxErrs()
	if len(errs) == 0 {
		t.Fatal("enhancer was never called")
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("enhance call %d saw a dead context: %v", i, err)
		}
	}
}

// offlineEnhancer fails every call and counts how many times it was invoked.
type offlineEnhancer struct{ calls atomic.Int32 }

func (e *offlineEnhancer) Enhance(context.Context, audio.Frame) (audio.Frame, error) {
	e.calls.Add(1)
	return audio.Frame{}, errors.New("model offline")
}

func TestSetBreakerConfigAppliesToNewSessions(t *testing.T) {
	enh := &offlineEnhancer{}
	eng := newTestEngine(t, engine.Config{EnhanceWindow: 20 * time.Millisecond},
		engine.WithEnhancer(enh),
	)
	eng.SetBreakerConfig(1, time.Minute)

	ctx := context.Background()
	id, err := eng.StartSession(ctx, "gia", true, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}

	// Every window passes through raw; only the first may reach the
	// enhancer before the breaker opens.
	for i := 0; i < 3; i++ {
		eng.PushFrame(id, pcmFrame(i, 960, 48000))
		recvFrame(t, lc)
	}

	if got := enh.calls.Load(); got != 1 {
		t.Errorf("enhancer calls = %d, want 1 (breaker opens after the first failure)", got)
	}
}

// counterValue sums the datapoint matching the given attribute for a named
// int64 counter, or returns 0 when no such datapoint was recorded.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, attrKey, attrVal string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(attrKey)); ok && v.AsString() == attrVal {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func newMetricsWithReader(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return metrics, reader
}

func TestRecordingSaveRecordedToMetrics(t *testing.T) {
	metrics, reader := newMetricsWithReader(t)
	eng := newTestEngine(t, engine.Config{},
		engine.WithSaver(store.NewMemory()),
		engine.WithMetrics(metrics),
	)
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}
	eng.PushFrame(id, pcmFrame(0, 960, 48000))
	recvFrame(t, lc)

	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	if got := counterValue(t, reader, "aircast.recording.saves", "status", "ok"); got != 1 {
		t.Errorf("recording saves (status=ok) = %d, want 1", got)
	}
}

func TestRecordingSaveFailureRecordedToMetrics(t *testing.T) {
	metrics, reader := newMetricsWithReader(t)
	eng := newTestEngine(t, engine.Config{},
		engine.WithSaver(failingSaver{}),
		engine.WithMetrics(metrics),
	)
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "fan")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}
	eng.PushFrame(id, pcmFrame(0, 960, 48000))
	recvFrame(t, lc)

	if err := eng.StopSession(ctx, "gia"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	if got := counterValue(t, reader, "aircast.recording.saves", "status", "error"); got != 1 {
		t.Errorf("recording saves (status=error) = %d, want 1", got)
	}
	if got := counterValue(t, reader, "aircast.recording.saves", "status", "ok"); got != 0 {
		t.Errorf("recording saves (status=ok) = %d, want 0", got)
	}
}

func TestShutdownWaitsForTeardownInFlight(t *testing.T) {
	saver := &blockingSaver{entered: make(chan struct{}), release: make(chan struct{})}
	eng := newTestEngine(t, engine.Config{}, engine.WithSaver(saver))
	ctx := context.Background()

	id, err := eng.StartSession(ctx, "gia", false, 48000)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	lc, err := eng.JoinListener(id, "sync")
	if err != nil {
		t.Fatalf("JoinListener: %v", err)
	}
	eng.PushFrame(id, pcmFrame(0, 960, 48000))
	recvFrame(t, lc)

	go func() { _ = eng.StopSession(ctx, "gia") }()
	<-saver.entered // another trigger owns the teardown now

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		_ = eng.Shutdown(context.Background())
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a teardown it did not own was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(saver.release)
	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after the teardown completed")
	}
	if eng.Registry().Len() != 0 {
		t.Errorf("registry holds %d sessions after shutdown, want 0", eng.Registry().Len())
	}
}
