package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"settlement-core/internal/config"
)

// DefaultChannel carries settlement notifications for the read-model API.
const DefaultChannel = "settlement_events"

// Event types.
const (
	EventPoolSettled   = "pool_settled"
	EventPoolRefunded  = "pool_refunded"
	EventCycleResolved = "cycle_resolved"
)

// Event is one settlement notification.
type Event struct {
	Type           string    `json:"type"`
	PoolID         *int64    `json:"poolId,omitempty"`
	CycleID        *int64    `json:"cycleId,omitempty"`
	MarketID       string    `json:"marketId,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	CreatorSideWon *bool     `json:"creatorSideWon,omitempty"`
	TxHash         string    `json:"txHash,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher publishes settlement notifications.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisBroadcaster publishes events on a Redis pub/sub channel.
type RedisBroadcaster struct {
	r       redisClient
	channel string
}

// NewRedisClient opens a client from configuration. It returns nil when no address is set.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisBroadcaster wraps a redis client.
func NewRedisBroadcaster(r *redis.Client, channel string) *RedisBroadcaster {
	return newBroadcaster(r, channel)
}

func newBroadcaster(r redisClient, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{r: r, channel: channel}
}

// Publish encodes event as JSON and publishes it.
func (b *RedisBroadcaster) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	if err := b.r.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

var _ Publisher = (*RedisBroadcaster)(nil)
