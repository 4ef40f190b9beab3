// Package audio defines the frame and enhancer types shared by the aircast
// streaming engine and its transport adapters.
//
// The two primary abstractions are:
//
//   - [Frame]: a fixed-duration block of decoded mono PCM samples, the atomic
//     unit of audio flowing through a session's pipeline.
//   - [Enhancer]: an opaque denoising capability the engine invokes on frames
//     (or buffered windows of frames) before recording and fan-out.
//
// This package lives under pkg/ because external code (transport adapters,
// enhancer implementations) is expected to produce [Frame] values and
// implement [Enhancer].
package audio

import (
	"context"
	"time"
)

// Frame represents a single block of decoded audio flowing through the
// pipeline. Frames are immutable values: the engine never mutates Samples
// after a frame is constructed, so a frame may be shared between the
// recording buffer and any number of listener queues without copying.
type Frame struct {
	// Samples holds mono float32 PCM in [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for browser capture).
	SampleRate int

	// Channels is the channel count. The engine accepts mono only; adapters
	// downmix before pushing.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Seq is the frame's position in its session's arrival order. Assigned by
	// the session worker; zero until the frame enters a pipeline.
	Seq uint64
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Enhancer is an opaque audio enhancement capability (typically a neural
// denoiser). Enhance may block on CPU/GPU work for tens of milliseconds;
// callers are responsible for not invoking it on latency-critical paths
// without a timeout on ctx.
//
// Implementations must be safe for concurrent use: the engine calls Enhance
// from one goroutine per session, but many sessions run in parallel.
type Enhancer interface {
	// Enhance returns a processed copy of frame. Sample rate and sample count
	// are preserved. On error the caller passes the original frame through
	// unmodified; a failed enhancement must never lose audio.
	Enhance(ctx context.Context, frame Frame) (Frame, error)
}

// PassThrough is an [Enhancer] that returns every frame unchanged. Used when
// denoising is disabled and as a fallback in tests.
type PassThrough struct{}

// Enhance implements [Enhancer] by returning frame as-is.
func (PassThrough) Enhance(_ context.Context, frame Frame) (Frame, error) {
	return frame, nil
}
