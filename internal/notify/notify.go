// Package notify publishes session lifecycle events to interested consumers.
//
// The engine treats event delivery as fire-and-forget: a notifier must never
// block session teardown or return errors into the audio path. Implementations
// log failures and move on.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/aircast-audio/aircast/internal/observe"
)

// Event names published on the lifecycle channel.
const (
	EventStreamStarted  = "stream_started"
	EventStreamEnded    = "stream_ended"
	EventRecordingSaved = "recording_saved"
)

// Event is the JSON payload published for each lifecycle transition.
type Event struct {
	Type      string    `json:"type"`
	Owner     string    `json:"owner"`
	Handle    string    `json:"handle,omitempty"`
	DurationS float64   `json:"duration_s,omitempty"`
	At        time.Time `json:"at"`
}

// LogNotifier writes lifecycle events to the structured log. It is the
// fallback notifier used when no event broker is configured.
type LogNotifier struct {
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewLogNotifier creates a [LogNotifier]. A nil logger falls back to
// [slog.Default]; a nil metrics instance disables event counting.
func NewLogNotifier(log *slog.Logger, metrics *observe.Metrics) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log, metrics: metrics}
}

func (n *LogNotifier) NotifyStreamStarted(ctx context.Context, owner string) {
	n.log.InfoContext(ctx, "stream started", "owner", owner)
	n.record(ctx, EventStreamStarted)
}

func (n *LogNotifier) NotifyStreamEnded(ctx context.Context, owner string) {
	n.log.InfoContext(ctx, "stream ended", "owner", owner)
	n.record(ctx, EventStreamEnded)
}

func (n *LogNotifier) NotifyRecordingSaved(ctx context.Context, owner, handle string, duration time.Duration) {
	n.log.InfoContext(ctx, "recording saved",
		"owner", owner,
		"handle", handle,
		"duration", duration,
	)
	n.record(ctx, EventRecordingSaved)
}

func (n *LogNotifier) record(ctx context.Context, event string) {
	if n.metrics != nil {
		n.metrics.RecordEvent(ctx, event)
	}
}
