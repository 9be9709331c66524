package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Deduplicator records keys that have already been handled: processed
// event logs and operator alerts.
type Deduplicator struct {
	rdb *redis.Client
}

// New creates a Deduplicator backed by Redis.
func New(redisURL, password string) (*Deduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Deduplicator{rdb: rdb}, nil
}

// Close shuts down the Redis connection.
func (d *Deduplicator) Close() error {
	return d.rdb.Close()
}

// Claim records key for ttl and reports whether this caller recorded it
// first. A ttl of zero never expires.
func (d *Deduplicator) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// EventKey identifies one log on one chain.
func EventKey(chainID uint64, txHash common.Hash, logIndex uint) string {
	return fmt.Sprintf("event:%d:%s:%d", chainID, txHash.Hex(), logIndex)
}

// AlertKey scopes an alert key to a UTC day so it fires at most once a day.
func AlertKey(key string, now time.Time) string {
	return "alert:" + key + ":" + now.UTC().Format(time.DateOnly)
}
