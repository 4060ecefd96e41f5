package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	redisclient "github.com/zatekoja/enrichswarm/internal/infrastructure/clients/redis"
)

// redisChannel is one Redis subscription fanned out to local subscribers
type redisChannel struct {
	pubsub      *redis.PubSub
	subscribers map[chan *entities.SwarmEvent]struct{}
}

// RedisEventBus relays swarm events between processes over Redis Pub/Sub.
// Each channel holds one Redis subscription no matter how many local
// subscribers it has.
type RedisEventBus struct {
	client   *redisclient.Client
	mu       sync.RWMutex
	channels map[string]*redisChannel
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewRedisEventBus creates a new Redis-based event bus
func NewRedisEventBus(client *redisclient.Client) providers.EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisEventBus{
		client:   client,
		channels: make(map[string]*redisChannel),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *RedisEventBus) Publish(ctx context.Context, channel string, event *entities.SwarmEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Client().Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event on %s: %w", channel, err)
	}
	log.Debug().Str("channel", channel).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Published event")
	return nil
}

// Subscribe returns a channel of events that is closed when ctx ends, the
// channel is unsubscribed, or the bus closes.
func (b *RedisEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.SwarmEvent, error) {
	if b.ctx.Err() != nil {
		return nil, errors.New("event bus closed")
	}

	b.mu.Lock()
	rc, ok := b.channels[channel]
	if !ok {
		rc = &redisChannel{
			pubsub:      b.client.Client().Subscribe(b.ctx, channel),
			subscribers: make(map[chan *entities.SwarmEvent]struct{}),
		}
		b.channels[channel] = rc
		go b.relay(channel, rc)
	}
	sub := make(chan *entities.SwarmEvent, subscriberBuffer)
	rc.subscribers[sub] = struct{}{}
	count := len(rc.subscribers)
	b.mu.Unlock()

	log.Debug().Str("channel", channel).Int("subscribers", count).Msg("Subscribed to channel")

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		b.removeSubscriber(channel, rc, sub)
	}()
	return sub, nil
}

// relay decodes messages of one Redis subscription and hands each local
// subscriber its own copy. Slow subscribers drop events rather than block.
func (b *RedisEventBus) relay(channel string, rc *redisChannel) {
	defer b.release(channel, rc)

	for msg := range rc.pubsub.Channel() {
		var event entities.SwarmEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("Failed to unmarshal event")
			continue
		}

		b.mu.RLock()
		for sub := range rc.subscribers {
			select {
			case sub <- copyEvent(&event):
			default:
				log.Warn().Str("channel", channel).Str("event_id", event.ID).Msg("Subscriber channel full, skipping event")
			}
		}
		b.mu.RUnlock()
	}
}

func (b *RedisEventBus) removeSubscriber(channel string, rc *redisChannel, sub chan *entities.SwarmEvent) {
	b.mu.Lock()
	if _, ok := rc.subscribers[sub]; !ok {
		b.mu.Unlock()
		return
	}
	delete(rc.subscribers, sub)
	close(sub)
	last := len(rc.subscribers) == 0
	b.mu.Unlock()

	if last {
		b.release(channel, rc)
	}
}

// release closes rc and its remaining subscribers. A newer subscription
// registered under the same name is left alone.
func (b *RedisEventBus) release(channel string, rc *redisChannel) error {
	b.mu.Lock()
	if cur, ok := b.channels[channel]; !ok || cur != rc {
		b.mu.Unlock()
		return nil
	}
	delete(b.channels, channel)
	for sub := range rc.subscribers {
		delete(rc.subscribers, sub)
		close(sub)
	}
	b.mu.Unlock()

	if err := rc.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close subscription %s: %w", channel, err)
	}
	log.Debug().Str("channel", channel).Msg("Closed subscription")
	return nil
}

// Unsubscribe drops every local subscriber of channel
func (b *RedisEventBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.RLock()
	rc, ok := b.channels[channel]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.release(channel, rc)
}

// Close ends all subscriptions. Publishing still works until the Redis
// client itself is closed.
func (b *RedisEventBus) Close() error {
	b.cancel()

	b.mu.RLock()
	open := make(map[string]*redisChannel, len(b.channels))
	for name, rc := range b.channels {
		open[name] = rc
	}
	b.mu.RUnlock()

	var errs []error
	for name, rc := range open {
		if err := b.release(name, rc); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors closing event bus: %w", err)
	}

	log.Info().Msg("Event bus closed")
	return nil
}

// copyEvent gives each subscriber its own event so consumers cannot race on Data
func copyEvent(event *entities.SwarmEvent) *entities.SwarmEvent {
	c := *event
	if event.Data != nil {
		c.Data = make(map[string]interface{}, len(event.Data))
		for k, v := range event.Data {
			c.Data[k] = v
		}
	}
	return &c
}
