package engine

import (
	"context"
	"sync"
	"time"

	"github.com/aircast-audio/aircast/pkg/audio"
)

// RecordingSaver persists a finalized recording and returns an opaque
// artifact handle. Implemented by the storage layer; the engine never
// interprets the handle.
type RecordingSaver interface {
	SaveRecording(ctx context.Context, owner string, samples []float32, sampleRate int) (handle string, err error)
}

// FinalizedRecording is the result of finalizing a [RecordingBuffer].
// A zero-duration result with an empty handle means "nothing to persist";
// that is a successful outcome, not an error.
type FinalizedRecording struct {
	Handle   string
	Duration time.Duration
}

// RecordingBuffer accumulates the post-processing frames of one session in
// arrival order. It is owned exclusively by its session: appends happen only
// on the session's frame worker, and finalization happens once from the
// cleanup path. The internal mutex exists because those are different
// goroutines, not because there are concurrent writers.
type RecordingBuffer struct {
	mu         sync.Mutex
	samples    []float32
	sampleRate int
	sealed     bool

	// finalizeOnce makes Finalize one-shot; late callers block until the
	// first call completes and then observe its result.
	finalizeOnce sync.Once
	result       FinalizedRecording
	err          error
}

// NewRecordingBuffer creates an empty buffer. The sample rate is captured
// from the first appended frame.
func NewRecordingBuffer() *RecordingBuffer {
	return &RecordingBuffer{}
}

// Append adds a processed frame to the recording. Frames arriving after
// finalization began are discarded; that can only happen in the narrow
// window where the worker is mid-frame while cleanup runs.
func (rb *RecordingBuffer) Append(frame audio.Frame) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.sealed {
		return
	}
	if rb.sampleRate == 0 {
		rb.sampleRate = frame.SampleRate
	}
	rb.samples = append(rb.samples, frame.Samples...)
}

// Len returns the number of accumulated samples.
func (rb *RecordingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.samples)
}

// Finalize seals the buffer, computes the recording's duration, and persists
// it through saver. Finalize is idempotent: the second and later calls return
// the first result without touching saver again. The save itself runs without
// holding the buffer lock.
//
// An empty recording finalizes successfully with a zero duration and an empty
// handle; saver is not called in that case.
func (rb *RecordingBuffer) Finalize(ctx context.Context, owner string, saver RecordingSaver) (FinalizedRecording, error) {
	rb.finalizeOnce.Do(func() {
		rb.mu.Lock()
		rb.sealed = true
		samples := rb.samples
		rate := rb.sampleRate
		rb.mu.Unlock()

		if len(samples) == 0 || rate <= 0 {
			return
		}

		duration := time.Duration(len(samples)) * time.Second / time.Duration(rate)

		var handle string
		var err error
		if saver != nil {
			handle, err = saver.SaveRecording(ctx, owner, samples, rate)
		}

		rb.result = FinalizedRecording{Handle: handle, Duration: duration}
		rb.err = err
	})
	return rb.result, rb.err
}
