package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinic-scheduler/internal/model"
)

const DefaultChannel = "clinic:events"

type wireEvent struct {
	Origin string            `json:"origin"`
	Event  model.ChangeEvent `json:"event"`
}

// RedisBroker relays events between instances. Publish delivers locally at
// once and forwards to Redis; Run feeds events from other instances into the
// local hub.
type RedisBroker struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	log     *zap.Logger
}

func NewRedisBroker(client *redis.Client, hub *Hub, log *zap.Logger) *RedisBroker {
	return &RedisBroker{
		client:  client,
		hub:     hub,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		log:     log,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, ev model.ChangeEvent) error {
	_ = b.hub.Publish(ctx, ev)

	payload, err := json.Marshal(wireEvent{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled.
func (b *RedisBroker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.log.Info("relaying events from redis", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				b.log.Warn("malformed relayed event", zap.Error(err))
				continue
			}
			if w.Origin == b.origin {
				continue
			}
			_ = b.hub.Publish(ctx, w.Event)
		}
	}
}
