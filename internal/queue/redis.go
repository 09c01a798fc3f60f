package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "gateway:signout"

// RedisPubSub broadcasts sign-out events over a Redis channel. Every
// subscribed instance sees every event; nothing is persisted, so events
// published while an instance is disconnected are lost to it.
type RedisPubSub struct {
	client  redis.UniversalClient
	channel string
	sub     *redis.PubSub
	ch      <-chan *redis.Message
}

func NewRedisPubSub(client redis.UniversalClient, channel string) *RedisPubSub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPubSub{client: client, channel: channel}
}

func (q *RedisPubSub) Name() string {
	return "redis"
}

// Subscribe must be called before Receive. It waits for the subscription
// to be confirmed so no event published afterwards is missed.
func (q *RedisPubSub) Subscribe(ctx context.Context) error {
	sub := q.client.Subscribe(ctx, q.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", q.channel, err)
	}
	q.sub = sub
	q.ch = sub.Channel()
	return nil
}

func (q *RedisPubSub) Publish(ctx context.Context, event SignOutEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := q.client.Publish(ctx, q.channel, body).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (q *RedisPubSub) Receive(ctx context.Context) ([]Message, error) {
	if q.ch == nil {
		return nil, errors.New("redis sign-out feed not subscribed")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-q.ch:
		if !ok {
			return nil, errors.New("redis subscription closed")
		}
		event, err := decodeEvent(m.Payload)
		if err != nil {
			slog.Warn("failed to unmarshal sign-out event", "error", err)
			return nil, nil
		}
		return []Message{{Event: event}}, nil
	}
}

func (q *RedisPubSub) Ack(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *RedisPubSub) Close() error {
	if q.sub == nil {
		return nil
	}
	return q.sub.Close()
}
