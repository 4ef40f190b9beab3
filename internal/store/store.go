// Package store persists finished session recordings and serves the
// recording catalog.
//
// Recordings are encoded as WAV at save time and stored alongside their
// metadata. Two implementations exist: [Postgres] for production and
// [Memory] for tests and DSN-less deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no recording exists under the given handle.
var ErrNotFound = errors.New("store: recording not found")

// Recording is one catalogued session recording.
type Recording struct {
	// Handle uniquely identifies the recording. Assigned at save time.
	Handle string

	// Owner is the account that produced the recording.
	Owner string

	// SampleRate is the PCM sample rate of the encoded audio.
	SampleRate int

	// Duration is the audible length of the recording.
	Duration time.Duration

	// SizeBytes is the size of the encoded WAV payload.
	SizeBytes int64

	// CreatedAt is when the recording was saved.
	CreatedAt time.Time
}

// Store is the recording catalog. SaveRecording satisfies the engine's
// persistence hook; the remaining methods serve the HTTP catalog endpoints.
type Store interface {
	// SaveRecording encodes samples as WAV and persists them under a new
	// handle for owner. Empty sample slices are valid and produce a
	// header-only WAV.
	SaveRecording(ctx context.Context, owner string, samples []float32, sampleRate int) (string, error)

	// ListByOwner returns all recordings for owner, newest first.
	ListByOwner(ctx context.Context, owner string) ([]Recording, error)

	// Get returns the metadata and encoded WAV payload for handle.
	// Returns [ErrNotFound] when the handle is unknown.
	Get(ctx context.Context, handle string) (Recording, []byte, error)
}
