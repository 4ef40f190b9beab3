package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aircast-audio/aircast/internal/observe"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "presence"

// publishTimeout bounds a single publish so a slow broker cannot stall
// session teardown.
const publishTimeout = 2 * time.Second

// Publisher is the subset of [redis.Client] used by [RedisNotifier].
// Declared locally so tests can substitute a fake.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifier publishes lifecycle events as JSON messages on a Redis
// pub/sub channel. Subscribers (web frontends, presence dashboards) receive
// [Event] payloads.
type RedisNotifier struct {
	client  Publisher
	channel string
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewRedisNotifier creates a notifier publishing to channel on client.
// An empty channel defaults to [DefaultChannel].
func NewRedisNotifier(client Publisher, channel string, log *slog.Logger, metrics *observe.Metrics) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisNotifier{client: client, channel: channel, log: log, metrics: metrics}
}

func (n *RedisNotifier) NotifyStreamStarted(ctx context.Context, owner string) {
	n.publish(ctx, Event{Type: EventStreamStarted, Owner: owner, At: time.Now().UTC()})
}

func (n *RedisNotifier) NotifyStreamEnded(ctx context.Context, owner string) {
	n.publish(ctx, Event{Type: EventStreamEnded, Owner: owner, At: time.Now().UTC()})
}

func (n *RedisNotifier) NotifyRecordingSaved(ctx context.Context, owner, handle string, duration time.Duration) {
	n.publish(ctx, Event{
		Type:      EventRecordingSaved,
		Owner:     owner,
		Handle:    handle,
		DurationS: duration.Seconds(),
		At:        time.Now().UTC(),
	})
}

// publish serialises and sends one event. Failures are logged, never
// propagated; event delivery is best-effort.
func (n *RedisNotifier) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.ErrorContext(ctx, "marshal lifecycle event", "type", ev.Type, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.log.WarnContext(ctx, "publish lifecycle event",
			"type", ev.Type,
			"owner", ev.Owner,
			"channel", n.channel,
			"err", err,
		)
		return
	}

	if n.metrics != nil {
		n.metrics.RecordEvent(ctx, ev.Type)
	}
}
