package domain

import (
	"context"
	"time"
)

// PriceCache keeps the latest tick per symbol.
type PriceCache interface {
	SetTick(ctx context.Context, tick Tick) error
	GetTick(ctx context.Context, symbol string) (Tick, error)
	GetTicks(ctx context.Context, symbols []string) (map[string]Tick, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel and stream names.
const (
	ChannelAlerts     = "ch:alerts"
	ChannelStatus     = "ch:status"
	ChannelTickPrefix = "ch:tick:"
	StreamAlerts      = "stream:alerts"
)
