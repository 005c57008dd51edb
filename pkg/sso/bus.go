package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// DefaultInvalidationChannel is the pub/sub channel used when none is configured
const DefaultInvalidationChannel = "idhub:scheme-invalidations"

// DefaultPublishTimeout bounds how long a mutation waits on Redis
const DefaultPublishTimeout = 2 * time.Second

type invalidationMessage struct {
	Origin string `json:"origin"`
	Scheme string `json:"scheme"`
}

// RedisInvalidationBus broadcasts scheme invalidations to the other
// instances sharing a Redis server and applies theirs to local caches.
// Messages published by this instance are ignored on receipt.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
	origin  string
	local   Invalidator
	logger  *observability.Logger
	metrics *observability.Metrics

	publishTimeout time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisInvalidationBus creates a bus. local receives invalidations from
// other instances.
func NewRedisInvalidationBus(client *redis.Client, channel string, local Invalidator, logger *observability.Logger, metrics *observability.Metrics) *RedisInvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RedisInvalidationBus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger.WithField("channel", channel),
		metrics: metrics,
		ready:   make(chan struct{}),

		publishTimeout: DefaultPublishTimeout,
	}
}

// Origin identifies this instance on the channel
func (b *RedisInvalidationBus) Origin() string { return b.origin }

// Ready is closed once the subscription is confirmed by the server
func (b *RedisInvalidationBus) Ready() <-chan struct{} { return b.ready }

// Invalidate publishes scheme to the other instances. Publish failures are
// logged; the local instance has already been invalidated by the caller.
func (b *RedisInvalidationBus) Invalidate(scheme string) {
	payload, err := json.Marshal(invalidationMessage{Origin: b.origin, Scheme: scheme})
	if err != nil {
		b.logger.WithError(err).Error("Failed to encode invalidation")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.WithError(err).WithField("scheme", scheme).Warn("Failed to publish invalidation")
	}
}

// Run subscribes and applies remote invalidations until ctx is done.
func (b *RedisInvalidationBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("Subscribed to scheme invalidations")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *RedisInvalidationBus) handle(payload string) {
	defer observability.RecoverPanic(b.logger, "invalidation subscriber")

	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.WithError(err).Warn("Ignoring malformed invalidation")
		return
	}
	if msg.Origin == b.origin || msg.Scheme == "" {
		return
	}
	b.local.Invalidate(msg.Scheme)
	b.metrics.OptionsInvalidation("remote")
	b.logger.WithField("scheme", msg.Scheme).Debug("Applied remote invalidation")
}
