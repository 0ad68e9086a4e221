package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/obslog"
)

const defaultChannel = "arena:events"

// RedisBridge fans events out to every process sharing a redis instance.
// Local observers are served directly; remote events are injected into the
// local hub. Origin tagging keeps a process from delivering its own events twice.
type RedisBridge struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
	origin  string
	logger  *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

func NewRedisBridge(rdb *redis.Client, hub *Hub, channel string, logger *zap.Logger) *RedisBridge {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisBridge{
		rdb:     rdb,
		hub:     hub,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  obslog.Or(logger),
		ready:   make(chan struct{}),
	}
}

func (b *RedisBridge) Publish(ctx context.Context, ev Event) {
	b.hub.Publish(ctx, ev)
	raw, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Warn("event_encode_failed", zap.String("match_id", ev.MatchID), zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("event_publish_failed", zap.String("match_id", ev.MatchID), zap.Error(err))
	}
}

// Ready is closed once the subscription is confirmed by the server.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run forwards remote events into the hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("event_bridge_subscribed", zap.String("channel", b.channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("event_decode_failed", zap.Error(err))
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.Publish(ctx, env.Event)
		}
	}
}
