// Package engine implements the real-time audio session engine: the lifecycle
// of a broadcaster's live stream from first frame to finalized recording.
//
// One [Engine] owns a [Registry] of at most one [Session] per broadcaster.
// Each session runs a sequential frame worker that enhances inbound frames
// (optionally, through a windowed denoiser guarded by a circuit breaker),
// appends them to a [RecordingBuffer], and fans them out to any number of
// [ListenerChannel] queues without ever blocking on a slow listener.
//
// Session teardown can be triggered by an explicit stop, a transport
// disconnect, or the process shutdown sweep, possibly concurrently. The body
// runs exactly once per session regardless of how many triggers fire.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aircast-audio/aircast/internal/observe"
	"github.com/aircast-audio/aircast/internal/resilience"
	"github.com/aircast-audio/aircast/pkg/audio"
)

// Config holds engine-wide tuning. Zero values select the documented
// defaults so an empty Config is usable.
type Config struct {
	// DefaultSampleRate is used when StartSession is called with rate 0.
	// Default: 48000.
	DefaultSampleRate int

	// ListenerQueueSize bounds each listener's delivery queue.
	ListenerQueueSize int

	// InboundQueueSize bounds each session worker's mailbox.
	InboundQueueSize int

	// EnhanceWindow is how much audio is buffered per Enhance call when
	// denoising. Zero enhances frame-by-frame. Default: 2s.
	EnhanceWindow time.Duration

	// EnhanceOverlap is the crossfaded overlap between consecutive windows.
	// Default: 500ms.
	EnhanceOverlap time.Duration

	// EnhanceTimeout bounds a single Enhance call; on expiry the raw window
	// passes through. Default: 5s.
	EnhanceTimeout time.Duration

	// BreakerMaxFailures and BreakerResetTimeout tune the per-session
	// enhancer circuit breaker.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultSampleRate <= 0 {
		c.DefaultSampleRate = 48000
	}
	if c.EnhanceWindow == 0 {
		c.EnhanceWindow = 2 * time.Second
	}
	if c.EnhanceOverlap == 0 {
		c.EnhanceOverlap = 500 * time.Millisecond
	}
	if c.EnhanceTimeout == 0 {
		c.EnhanceTimeout = 5 * time.Second
	}
}

// Status is the externally visible summary of one owner's streaming state.
type Status struct {
	Active     bool
	SessionID  string
	State      State
	StartedAt  time.Time
	Listeners  int
	Denoise    bool
	SampleRate int
}

// Engine is the control surface the transport and API layers talk to.
// All exported methods are safe for concurrent use.
type Engine struct {
	cfg      Config
	registry *Registry
	enhancer audio.Enhancer
	saver    RecordingSaver
	notifier EventNotifier
	metrics  *observe.Metrics
	log      *slog.Logger

	// Breaker thresholds are the one piece of Config that hot reload may
	// rewrite after construction; sessions read them at creation time.
	breakerMu           sync.Mutex
	breakerMaxFailures  int
	breakerResetTimeout time.Duration
}

// Option is a functional option for [New]. Use these to inject collaborators
// and test doubles.
type Option func(*Engine)

// WithEnhancer injects the denoising capability. When absent, denoise
// sessions pass audio through unchanged.
func WithEnhancer(e audio.Enhancer) Option {
	return func(eng *Engine) { eng.enhancer = e }
}

// WithSaver injects the recording persistence collaborator.
func WithSaver(s RecordingSaver) Option {
	return func(eng *Engine) { eng.saver = s }
}

// WithNotifier injects the lifecycle event bus.
func WithNotifier(n EventNotifier) Option {
	return func(eng *Engine) { eng.notifier = n }
}

// WithMetrics injects the OTel instrument set. Nil metrics are valid; the
// engine then records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(eng *Engine) { eng.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.log = l }
}

// New creates an engine with its own registry.
func New(cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	eng := &Engine{
		cfg:                 cfg,
		registry:            NewRegistry(),
		log:                 slog.Default(),
		breakerMaxFailures:  cfg.BreakerMaxFailures,
		breakerResetTimeout: cfg.BreakerResetTimeout,
	}
	for _, o := range opts {
		o(eng)
	}
	return eng
}

// SetBreakerConfig replaces the enhancer circuit breaker thresholds used by
// sessions created from now on. Existing sessions keep the breakers they were
// built with; an open breaker is never reset by a config change. Zero values
// select the breaker defaults.
func (e *Engine) SetBreakerConfig(maxFailures int, resetTimeout time.Duration) {
	e.breakerMu.Lock()
	e.breakerMaxFailures = maxFailures
	e.breakerResetTimeout = resetTimeout
	e.breakerMu.Unlock()

	e.log.Info("breaker thresholds updated",
		"max_failures", maxFailures, "reset_timeout", resetTimeout)
}

// Registry exposes the session table for status surfaces and tests.
func (e *Engine) Registry() *Registry { return e.registry }

// StartSession creates and starts a live session for owner. Exactly one
// session per owner may be live: a second start while any session for the
// owner exists (Starting, Active or still Stopping) returns
// [ErrAlreadyStreaming] and does not create a session.
//
// sampleRate 0 selects the engine default. The denoise flag is fixed for the
// session's lifetime.
func (e *Engine) StartSession(ctx context.Context, owner string, denoise bool, sampleRate int) (string, error) {
	if sampleRate <= 0 {
		sampleRate = e.cfg.DefaultSampleRate
	}

	s, created := e.registry.GetOrCreate(owner, func() *Session {
		return e.newSessionLocked(owner, denoise, sampleRate)
	})
	if !created {
		e.log.Info("start rejected, owner already streaming",
			"owner", owner, "session_id", s.ID(), "state", s.State())
		return "", ErrAlreadyStreaming
	}

	s.start(ctx)

	if e.metrics != nil {
		e.metrics.ActiveSessions.Add(ctx, 1)
	}
	if e.notifier != nil {
		e.notifier.NotifyStreamStarted(ctx, owner)
	}

	e.log.Info("session started",
		"session_id", s.ID(),
		"owner", owner,
		"denoise", denoise,
		"sample_rate", sampleRate,
	)
	return s.ID(), nil
}

// newSessionLocked allocates a session and its pipeline. Runs under the
// registry lock via GetOrCreate, so it must not block.
func (e *Engine) newSessionLocked(owner string, denoise bool, sampleRate int) *Session {
	id := uuid.NewString()

	var breaker *resilience.Breaker
	var enhancer audio.Enhancer = audio.PassThrough{}
	if denoise && e.enhancer != nil {
		enhancer = e.enhancer
		e.breakerMu.Lock()
		maxFailures, resetTimeout := e.breakerMaxFailures, e.breakerResetTimeout
		e.breakerMu.Unlock()
		breaker = resilience.New(resilience.Config{
			Name:         id,
			MaxFailures:  maxFailures,
			ResetTimeout: resetTimeout,
		})
	}

	pl := newPipeline(pipelineConfig{
		enhancer:   enhancer,
		denoise:    denoise,
		sampleRate: sampleRate,
		window:     e.cfg.EnhanceWindow,
		overlap:    e.cfg.EnhanceOverlap,
		timeout:    e.cfg.EnhanceTimeout,
		breaker:    breaker,
		log:        e.log.With("session_id", id),
		onEnhance:  e.enhanceHook(),
	})

	return newSession(sessionConfig{
		id:                id,
		owner:             owner,
		denoiseEnabled:    denoise,
		sampleRate:        sampleRate,
		pipeline:          pl,
		listenerQueueSize: e.cfg.ListenerQueueSize,
		inboundQueueSize:  e.cfg.InboundQueueSize,
		saver:             e.saver,
		notifier:          e.notifier,
		unregister:        e.registry.Remove,
		log:               e.log,
		onFrameDropped:    e.dropHook(),
		onListenerDelta:   e.listenerHook(),
		onRecordingSaved:  e.saveHook(),
		onClosed:          e.closedHook(),
	})
}

// StopSession ends owner's live session, if any. Stopping an owner with no
// session is a no-op: the caller's goal, "this owner is not streaming",
// already holds.
func (e *Engine) StopSession(ctx context.Context, owner string) error {
	s, ok := e.registry.Get(owner)
	if !ok {
		return nil
	}
	s.RequestStop(ctx, "explicit stop")
	return nil
}

// GetStatus reports whether owner is currently streaming.
func (e *Engine) GetStatus(owner string) Status {
	s, ok := e.registry.Get(owner)
	if !ok {
		return Status{}
	}
	st := s.State()
	return Status{
		Active:     st == StateStarting || st == StateActive,
		SessionID:  s.ID(),
		State:      st,
		StartedAt:  s.StartedAt(),
		Listeners:  s.ListenerCount(),
		Denoise:    s.DenoiseEnabled(),
		SampleRate: s.SampleRate(),
	}
}

// PushFrame hands one decoded inbound frame to the owning session. The
// transport fires and forgets: errors here are expected shutdown races and
// are logged at low severity, never surfaced.
func (e *Engine) PushFrame(sessionID string, frame audio.Frame) {
	s, ok := e.registry.GetByID(sessionID)
	if !ok {
		e.log.Debug("frame for unknown session dropped", "session_id", sessionID)
		return
	}
	if err := s.PushFrame(frame); err != nil {
		e.log.Debug("frame rejected", "session_id", sessionID, "err", err)
	}
	if e.metrics != nil {
		e.metrics.FramesIn.Add(context.Background(), 1)
	}
}

// JoinListener attaches a listener to the session and returns its delivery
// queue. The transport drains the queue until it is closed. Fails with
// [ErrSessionNotFound] when the session does not exist and [ErrSessionEnded]
// when it is shutting down.
func (e *Engine) JoinListener(sessionID, listenerID string) (*ListenerChannel, error) {
	s, ok := e.registry.GetByID(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.AddListener(listenerID)
}

// LeaveListener detaches a listener from the session. A no-op when either
// the session or the listener is already gone.
func (e *Engine) LeaveListener(sessionID, listenerID string) {
	s, ok := e.registry.GetByID(sessionID)
	if !ok {
		return
	}
	s.RemoveListener(listenerID)
}

// Shutdown is the process-level cleanup sweep: it stops every live session
// and waits for their teardowns to complete. Safe to call alongside any
// other trigger; when another trigger won the stopping guard the sweep waits
// on the session's done signal until that teardown finishes or ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	swept := e.registry.Snapshot()
	if len(swept) == 0 {
		return nil
	}

	e.log.Info("shutdown sweep", "sessions", len(swept))

	var g errgroup.Group
	for _, s := range swept {
		g.Go(func() error {
			s.RequestStop(ctx, "process shutdown")
			select {
			case <-s.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── metric hooks ─────────────────────────────────────────────────────────────

func (e *Engine) enhanceHook() func(d time.Duration, err error) {
	if e.metrics == nil {
		return nil
	}
	return func(d time.Duration, err error) {
		ctx := context.Background()
		e.metrics.EnhanceDuration.Record(ctx, d.Seconds())
		if err != nil {
			e.metrics.EnhanceErrors.Add(ctx, 1)
		}
	}
}

func (e *Engine) dropHook() func(n int) {
	if e.metrics == nil {
		return nil
	}
	return func(n int) {
		e.metrics.FramesDropped.Add(context.Background(), int64(n))
	}
}

func (e *Engine) listenerHook() func(delta int) {
	if e.metrics == nil {
		return nil
	}
	return func(delta int) {
		e.metrics.ActiveListeners.Add(context.Background(), int64(delta))
	}
}

func (e *Engine) saveHook() func(err error) {
	if e.metrics == nil {
		return nil
	}
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordRecordingSave(context.Background(), status)
	}
}

func (e *Engine) closedHook() func() {
	if e.metrics == nil {
		return nil
	}
	return func() {
		e.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}
