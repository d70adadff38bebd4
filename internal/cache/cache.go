package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// DefaultTTL bounds how long a descriptor survives a missed invalidation.
const DefaultTTL = 5 * time.Minute

// Cache stores resolved playback descriptors in Redis. Every entry is also
// indexed under its asset so a publish can drop them together.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a new cache instance
func NewCache(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Client exposes the connection for components sharing it, such as Locker.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func playbackKey(jobID string) string {
	return fmt.Sprintf("playback:%s", jobID)
}

func assetIndexKey(assetID string) string {
	return fmt.Sprintf("playback:asset:%s", assetID)
}

// GetPlayback returns the cached descriptor for a requested job, or nil on
// a miss.
func (c *Cache) GetPlayback(ctx context.Context, jobID string) (*models.PlaybackDescriptor, error) {
	data, err := c.client.Get(ctx, playbackKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get playback from cache: %w", err)
	}

	var d models.PlaybackDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal playback: %w", err)
	}
	return &d, nil
}

// SetPlayback caches d as the answer for jobID.
func (c *Cache) SetPlayback(ctx context.Context, jobID string, d *models.PlaybackDescriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal playback: %w", err)
	}

	index := assetIndexKey(d.AssetID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, playbackKey(jobID), data, c.ttl)
		pipe.SAdd(ctx, index, jobID)
		pipe.Expire(ctx, index, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache playback: %w", err)
	}
	return nil
}

// InvalidateAsset drops every cached descriptor of an asset.
func (c *Cache) InvalidateAsset(ctx context.Context, assetID string) error {
	index := assetIndexKey(assetID)
	jobIDs, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("failed to read playback index: %w", err)
	}

	keys := make([]string, 0, len(jobIDs)+1)
	for _, id := range jobIDs {
		keys = append(keys, playbackKey(id))
	}
	keys = append(keys, index)
	return c.client.Del(ctx, keys...).Err()
}
