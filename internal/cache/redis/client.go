package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/pkg/logger"
)

const (
	timelinePrefix = "timeline:"
	counterPrefix  = "counter:"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetTimeline stores msgs in their wire form under key.
func (c *Client) SetTimeline(ctx context.Context, key string, msgs []models.Message, ttl time.Duration) error {
	wire := make([]models.MessageJSON, len(msgs))
	for i := range msgs {
		wire[i] = msgs[i].ToJSON()
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}

	if err := c.client.Set(ctx, timelinePrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set timeline cache: %w", err)
	}

	logger.Debug("Timeline cached", zap.String("key", key), zap.Int("messages", len(msgs)), zap.Duration("ttl", ttl))
	return nil
}

// GetTimeline reports false on a miss. A cached entry that no longer
// decodes is dropped and reported as a miss.
func (c *Client) GetTimeline(ctx context.Context, key string) ([]*models.Message, bool, error) {
	data, err := c.client.Get(ctx, timelinePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("timeline").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get timeline cache: %w", err)
	}

	msgs, err := models.DecodeMessages(data)
	if err != nil {
		logger.Warn("Dropping malformed cached timeline", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, timelinePrefix+key)
		metrics.CacheMisses.WithLabelValues("timeline").Inc()
		return nil, false, nil
	}

	metrics.CacheHits.WithLabelValues("timeline").Inc()
	logger.Debug("Timeline cache hit", zap.String("key", key))
	return msgs, true, nil
}

func (c *Client) InvalidateTimelines(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, timelinePrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Timeline cache invalidated")
	return nil
}

func (c *Client) IncrementCounter(ctx context.Context, name string) error {
	return c.client.Incr(ctx, counterPrefix+name).Err()
}

func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.client.Get(ctx, counterPrefix+name).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}
