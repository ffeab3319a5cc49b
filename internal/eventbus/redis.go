package eventbus

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Events decodes the subscription payloads. Malformed messages are logged
// and skipped. The channel closes with the subscription.
func (s *Subscription) Events() <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		for msg := range s.pubsub.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Error().Err(err).Str("service", "eventbus").Str("channel", msg.Channel).Msg("malformed event")
				continue
			}
			events <- e
		}
	}()

	return events
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// RedisBus publishes events on "<prefix>:<roomID>" channels.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
}

// RedisPubSub is factory for building RedisBus based on redis pubsub
func RedisPubSub(rdb *redis.Client, prefix string) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: prefix}
}

func (b *RedisBus) channel(roomID string) string {
	return b.prefix + ":" + roomID
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	msg, err := e.ToJSON()
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(e.RoomID), msg).Err()
}

// Subscribe listens to one room, or to every room when roomID is empty.
func (b *RedisBus) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	var pubsub *redis.PubSub
	if roomID == "" {
		pubsub = b.rdb.PSubscribe(ctx, b.channel("*"))
	} else {
		pubsub = b.rdb.Subscribe(ctx, b.channel(roomID))
	}
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
