package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aircast-audio/aircast/internal/resilience"
	"github.com/aircast-audio/aircast/pkg/audio"
)

// pipelineConfig holds the per-session processing parameters, fixed for the
// session's lifetime once it enters Active.
type pipelineConfig struct {
	enhancer   audio.Enhancer
	denoise    bool
	sampleRate int

	// window is the amount of audio buffered before each Enhance call. Zero
	// disables windowing and enhances frame-by-frame. Neural denoisers work
	// on fixed-size windows; 2 s with a 500 ms crossfaded overlap matches the
	// model the enhancer service runs.
	window  time.Duration
	overlap time.Duration

	// timeout bounds a single Enhance call. On expiry the raw window passes
	// through unmodified so a hung model cannot stall a live stream.
	timeout time.Duration

	breaker *resilience.Breaker
	log     *slog.Logger

	// onEnhance is invoked after every attempted Enhance call with its
	// latency and error (nil on success). Used for metrics; may be nil.
	onEnhance func(d time.Duration, err error)
}

// pipeline turns inbound raw frames into processed, sequence-numbered frames
// ready for recording and fan-out. All state is worker-local: exactly one
// goroutine (the session's frame worker) calls next and flush.
type pipeline struct {
	cfg            pipelineConfig
	windowSamples  int
	overlapSamples int

	pending   []float32     // raw samples awaiting a full window
	pendingTS time.Duration // capture timestamp of pending[0]
	hasTS     bool
	tail      []float32 // previous window's enhanced tail, for crossfade
	seq       uint64    // next output sequence number
}

func newPipeline(cfg pipelineConfig) *pipeline {
	if cfg.enhancer == nil {
		cfg.enhancer = audio.PassThrough{}
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 5 * time.Second
	}
	p := &pipeline{cfg: cfg}
	if cfg.denoise && cfg.window > 0 {
		p.windowSamples = int(cfg.window.Seconds() * float64(cfg.sampleRate))
		p.overlapSamples = int(cfg.overlap.Seconds() * float64(cfg.sampleRate))
		if p.overlapSamples >= p.windowSamples {
			p.overlapSamples = 0
		}
	}
	return p
}

// next processes one inbound frame and returns zero or more output frames in
// delivery order. With windowing enabled a frame may complete zero windows
// (still buffering) or several (a large frame); completed windows are emitted
// immediately and never wait for the next window boundary.
func (p *pipeline) next(ctx context.Context, frame audio.Frame) []audio.Frame {
	if !p.cfg.denoise {
		frame.Seq = p.nextSeq()
		return []audio.Frame{frame}
	}

	if p.windowSamples <= 0 {
		out := p.enhance(ctx, frame)
		out.Seq = p.nextSeq()
		return []audio.Frame{out}
	}

	if !p.hasTS {
		p.pendingTS = frame.Timestamp
		p.hasTS = true
	}
	p.pending = append(p.pending, frame.Samples...)

	var out []audio.Frame
	for len(p.pending) >= p.windowSamples {
		chunk := p.pending[:p.windowSamples:p.windowSamples]
		p.pending = p.pending[p.windowSamples:]

		out = append(out, p.emitWindow(ctx, chunk))
	}
	return out
}

// flush enhances and emits whatever partial window is still buffered. Called
// exactly once, from cleanup, after the worker has stopped.
func (p *pipeline) flush(ctx context.Context) []audio.Frame {
	if len(p.pending) == 0 {
		return nil
	}
	chunk := p.pending
	p.pending = nil
	return []audio.Frame{p.emitWindow(ctx, chunk)}
}

// emitWindow enhances one raw window, crossfades it against the previous
// window's tail, and wraps it in an output frame.
func (p *pipeline) emitWindow(ctx context.Context, chunk []float32) audio.Frame {
	raw := audio.Frame{
		Samples:    chunk,
		SampleRate: p.cfg.sampleRate,
		Channels:   1,
		Timestamp:  p.pendingTS,
	}
	p.pendingTS += raw.Duration()

	enhanced := p.enhance(ctx, raw)
	samples := enhanced.Samples

	if p.overlapSamples > 0 && len(samples) > p.overlapSamples {
		samples = p.crossfade(samples)
		p.tail = append(p.tail[:0], enhanced.Samples[len(enhanced.Samples)-p.overlapSamples:]...)
	}

	return audio.Frame{
		Samples:    samples,
		SampleRate: p.cfg.sampleRate,
		Channels:   1,
		Timestamp:  raw.Timestamp,
		Seq:        p.nextSeq(),
	}
}

// crossfade blends the head of the current window with the previous window's
// tail using complementary linear ramps, smoothing the seam the denoiser
// introduces at window boundaries.
func (p *pipeline) crossfade(samples []float32) []float32 {
	n := p.overlapSamples
	if len(p.tail) < n {
		return samples
	}
	out := make([]float32, len(samples))
	copy(out, samples)
	for i := 0; i < n; i++ {
		up := float32(i) / float32(n)
		out[i] = p.tail[i]*(1-up) + samples[i]*up
	}
	return out
}

// enhance runs one guarded Enhance call. Every failure mode (an error
// return, a panic, a timeout, an open breaker) degrades to passing the
// original frame through unmodified; a single bad window must never drop
// audio or terminate the session.
func (p *pipeline) enhance(ctx context.Context, in audio.Frame) audio.Frame {
	out := in
	start := time.Now()

	var execErr error
	if p.cfg.breaker != nil {
		execErr = p.cfg.breaker.Execute(func() error { return p.callEnhancer(ctx, in, &out) })
	} else {
		execErr = p.callEnhancer(ctx, in, &out)
	}

	if execErr != nil {
		if errors.Is(execErr, resilience.ErrOpen) {
			// Breaker already logged the trip; stay quiet per window.
			p.cfg.log.Debug("enhancer bypassed, breaker open", "seq", p.seq)
		} else {
			p.cfg.log.Warn("enhancer failed, passing frame through",
				"err", execErr,
				"timestamp", in.Timestamp,
			)
			if p.cfg.onEnhance != nil {
				p.cfg.onEnhance(time.Since(start), execErr)
			}
		}
		return in
	}

	if p.cfg.onEnhance != nil {
		p.cfg.onEnhance(time.Since(start), nil)
	}
	return out
}

// callEnhancer invokes the enhancer with a deadline and panic containment.
func (p *pipeline) callEnhancer(ctx context.Context, in audio.Frame, out *audio.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: enhancer panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout)
	defer cancel()

	enhanced, err := p.cfg.enhancer.Enhance(ctx, in)
	if err != nil {
		return err
	}
	if len(enhanced.Samples) != len(in.Samples) {
		return fmt.Errorf("engine: enhancer changed sample count: %d -> %d",
			len(in.Samples), len(enhanced.Samples))
	}
	*out = enhanced
	return nil
}

func (p *pipeline) nextSeq() uint64 {
	p.seq++
	return p.seq
}
