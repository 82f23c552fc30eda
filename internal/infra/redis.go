// Package infra wraps the external service clients behind the small
// interfaces the runtime consumes.
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig carries connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisAdapter is a thin go-redis wrapper implementing the publisher and
// cache surfaces the event bus and the episode store need.
type RedisAdapter struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisAdapter connects and verifies the server with a ping.
func NewRedisAdapter(ctx context.Context, cfg RedisConfig) (*RedisAdapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisAdapter{
		client: client,
		logger: log.New(log.Writer(), "[REDIS] ", log.LstdFlags),
	}, nil
}

// Publish satisfies events.RedisPublisher.
func (a *RedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return a.client.Publish(ctx, channel, payload).Err()
}

// SetEpisodeState caches the latest episode snapshot with a TTL.
func (a *RedisAdapter) SetEpisodeState(ctx context.Context, episodeID string, state []byte, ttl time.Duration) error {
	return a.client.Set(ctx, "apex:episode:"+episodeID, state, ttl).Err()
}

// GetEpisodeState loads a cached episode snapshot; nil when absent.
func (a *RedisAdapter) GetEpisodeState(ctx context.Context, episodeID string) ([]byte, error) {
	data, err := a.client.Get(ctx, "apex:episode:"+episodeID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

// HealthCheck pings the server.
func (a *RedisAdapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (a *RedisAdapter) Close() error {
	return a.client.Close()
}
