package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/obeci/obeci/backend/go-services/pkg/logger"
)

// Bus carries topic envelopes between service instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	StartForwarder(ctx context.Context, onMsg func(env Envelope)) error
	Close() error
}

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus publishes on a Redis pub/sub channel. The client is owned by the caller.
func NewRedisBus(rdb *goredis.Client, channel string) (Bus, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	ch := strings.TrimSpace(channel)
	if ch == "" {
		ch = "obeci:realtime"
	}
	return &redisBus{
		log:     logger.With("service", "RedisBus", "channel", ch),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	if env.Kind != KindTopic {
		return fmt.Errorf("bus carries topic messages only, got %q", env.Kind)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if onMsg == nil {
		return errors.New("onMsg callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.log.Warn("bad bus payload", "error", err)
					continue
				}
				if env.Kind != KindTopic {
					continue
				}
				onMsg(env)
			}
		}
	}()
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (b *redisBus) Close() error { return nil }

// BusBroadcaster sends topic messages through a Bus and private messages
// straight to the local hub. Start must run for bus traffic to reach local
// subscribers, including this instance's own publishes.
type BusBroadcaster struct {
	hub *Hub
	bus Bus
	log *logger.Logger
}

func NewBusBroadcaster(hub *Hub, bus Bus) *BusBroadcaster {
	return &BusBroadcaster{hub: hub, bus: bus, log: logger.With("component", "BusBroadcaster")}
}

// Start subscribes to the bus and forwards envelopes into the hub.
func (b *BusBroadcaster) Start(ctx context.Context) error {
	return b.bus.StartForwarder(ctx, func(env Envelope) { b.hub.Deliver(env) })
}

func (b *BusBroadcaster) Publish(ctx context.Context, topic string, msg interface{}) error {
	env, err := TopicEnvelope(topic, msg)
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, env); err != nil {
		// keep local subscribers current when the bus is unavailable
		b.hub.Deliver(env)
		b.log.Warn("bus publish failed; delivered locally", "topic", topic, "error", err)
		return fmt.Errorf("bus publish: %w", err)
	}
	return nil
}

func (b *BusBroadcaster) PublishToPrincipal(ctx context.Context, clientID, queue string, msg interface{}) error {
	return b.hub.PublishToPrincipal(ctx, clientID, queue, msg)
}
