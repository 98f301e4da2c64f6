package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis Pub/Sub channel events are mirrored to
const DefaultChannel = "nexus:events"

// RedisBridge mirrors every bus event to a Redis Pub/Sub channel so other
// instances and the admin dashboard can follow call and dependency health.
type RedisBridge struct {
	bus     *Bus
	client  *redis.Client
	channel string
	timeout time.Duration
	token   Token
}

// NewRedisBridge subscribes to all events on bus and forwards them to channel
func NewRedisBridge(bus *Bus, client *redis.Client, channel string) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	rb := &RedisBridge{
		bus:     bus,
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
	}
	rb.token = bus.SubscribeAll(rb.forward)
	return rb
}

func (rb *RedisBridge) forward(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), rb.timeout)
	defer cancel()

	if err := rb.client.Publish(ctx, rb.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event to redis: %w", err)
	}
	return nil
}

// Close detaches the bridge from the bus
func (rb *RedisBridge) Close() {
	rb.bus.Unsubscribe(rb.token)
}
