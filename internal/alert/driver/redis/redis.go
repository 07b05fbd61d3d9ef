package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/songzhibin97/conduit/internal/alert"
	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/health"
)

// Driver publishes alert events to a Redis channel and keeps a bounded
// history of probe results per endpoint.
type Driver struct {
	client    *redis.Client
	channel   string
	keyPrefix string
	size      int64
	ttl       time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg *config.RedisConfig) (*Driver, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	d := &Driver{
		client:    client,
		channel:   cfg.Channel,
		keyPrefix: cfg.KeyPrefix,
		size:      cfg.HistorySize,
		ttl:       cfg.HistoryTTL,
	}
	if d.channel == "" {
		d.channel = "conduit:alerts"
	}
	if d.size <= 0 {
		d.size = 100
	}
	return d, nil
}

// Send publishes the event as JSON. It implements alert.Producer.
func (d *Driver) Send(ctx context.Context, event *alert.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", event.ID, err)
	}
	if err := d.client.Publish(ctx, d.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", event.ID, err)
	}
	return nil
}

// Report prepends the result to the endpoint's history list and trims it.
// It implements health.Reporter.
func (d *Driver) Report(ctx context.Context, result *health.ProbeResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode probe result: %w", err)
	}

	key := d.historyKey(result.API, result.Endpoint)
	pipe := d.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, d.size-1)
	if d.ttl > 0 {
		pipe.Expire(ctx, key, d.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store probe result for %s: %w", key, err)
	}
	return nil
}

// History returns up to limit of the most recent probe results, newest first.
func (d *Driver) History(ctx context.Context, api, endpoint string, limit int64) ([]health.ProbeResult, error) {
	if limit <= 0 || limit > d.size {
		limit = d.size
	}

	key := d.historyKey(api, endpoint)
	values, err := d.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history %s: %w", key, err)
	}

	results := make([]health.ProbeResult, 0, len(values))
	for _, v := range values {
		var r health.ProbeResult
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("failed to decode history %s: %w", key, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// Close closes the Redis client.
func (d *Driver) Close() error {
	return d.client.Close()
}

func (d *Driver) historyKey(api, endpoint string) string {
	key := api + ":" + endpoint
	if d.keyPrefix == "" {
		return key
	}
	return d.keyPrefix + ":" + key
}
