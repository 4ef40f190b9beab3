package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aircast-audio/aircast/pkg/audio"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process recording catalog. It backs deployments without a
// database DSN and is the store of choice in tests. Safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Recording
	data map[string][]byte
}

// NewMemory returns an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		recs: make(map[string]Recording),
		data: make(map[string][]byte),
	}
}

// SaveRecording implements [Store].
func (m *Memory) SaveRecording(_ context.Context, owner string, samples []float32, sampleRate int) (string, error) {
	data, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return "", fmt.Errorf("recording store: encode wav: %w", err)
	}

	handle := uuid.NewString()
	rec := Recording{
		Handle:     handle,
		Owner:      owner,
		SampleRate: sampleRate,
		Duration:   time.Duration(len(samples)) * time.Second / time.Duration(sampleRate),
		SizeBytes:  int64(len(data)),
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.recs[handle] = rec
	m.data[handle] = data
	m.mu.Unlock()

	return handle, nil
}

// ListByOwner implements [Store].
func (m *Memory) ListByOwner(_ context.Context, owner string) ([]Recording, error) {
	m.mu.RLock()
	var recs []Recording
	for _, r := range m.recs {
		if r.Owner == owner {
			recs = append(recs, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, handle string) (Recording, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.recs[handle]
	if !ok {
		return Recording{}, nil, ErrNotFound
	}
	return rec, m.data[handle], nil
}

// Len returns the number of stored recordings.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}
