package engine

import "errors"

var (
	// ErrAlreadyStreaming is returned by [Engine.StartSession] when the owner
	// already has a live session. It is the only engine error surfaced
	// synchronously to API callers; everything else is an expected shutdown
	// race and absorbed locally.
	ErrAlreadyStreaming = errors.New("engine: owner is already streaming")

	// ErrSessionEnded is returned when a listener join or frame push hits a
	// session that has entered Stopping. Benign during shutdown races; logged
	// at debug level and never surfaced as a user-facing failure.
	ErrSessionEnded = errors.New("engine: session has ended")

	// ErrSessionClosed is returned by operations invoked on a session object
	// that has already completed teardown. Closed sessions are removed from
	// the registry, so this is normally unreachable through the engine API.
	ErrSessionClosed = errors.New("engine: session is closed")

	// ErrSessionNotFound is returned when the target session does not exist
	// in the registry.
	ErrSessionNotFound = errors.New("engine: session not found")
)
