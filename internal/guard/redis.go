package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stockpulse/stockpulse/internal/config"
)

const keyPrefix = "stockpulse:alert:"

// Client is the subset of the go-redis client used by RedisGuard
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisGuard is a first-wins in-flight marker per alert, shared by every
// evaluator instance pointing at the same redis
type RedisGuard struct {
	client Client
	ttl    time.Duration
	owner  string
	logger zerolog.Logger
}

// New connects to redis using cfg
func New(cfg config.GuardConfig, password string, logger zerolog.Logger) *RedisGuard {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.TTL, logger)
}

// NewWithClient builds a guard on an existing client
func NewWithClient(client Client, ttl time.Duration, logger zerolog.Logger) *RedisGuard {
	return &RedisGuard{
		client: client,
		ttl:    ttl,
		owner:  strconv.FormatInt(time.Now().UnixNano(), 36),
		logger: logger.With().Str("component", "guard").Logger(),
	}
}

// Acquire reports whether this caller claimed alertID. false means another
// evaluator holds it and the trigger should be skipped.
func (g *RedisGuard) Acquire(ctx context.Context, alertID uint) (bool, error) {
	key := alertKey(alertID)
	ok, err := g.client.SetNX(ctx, key, g.owner, g.ttl).Result()
	if err != nil {
		g.logger.Error().Err(err).Str("key", key).Msg("Failed to acquire alert guard")
		return false, fmt.Errorf("acquire guard for alert %d: %w", alertID, err)
	}
	return ok, nil
}

// Release drops the marker so the alert can fire again on a later tick
func (g *RedisGuard) Release(ctx context.Context, alertID uint) error {
	key := alertKey(alertID)
	if err := g.client.Del(ctx, key).Err(); err != nil {
		g.logger.Error().Err(err).Str("key", key).Msg("Failed to release alert guard")
		return fmt.Errorf("release guard for alert %d: %w", alertID, err)
	}
	return nil
}

// Close closes the redis client
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func alertKey(alertID uint) string {
	return keyPrefix + strconv.FormatUint(uint64(alertID), 10)
}
