// Package settings persists runtime trading-parameter updates in Redis so
// they survive restarts. The store degrades gracefully: with Redis down or
// disabled the engine runs on the file config alone.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
)

const (
	tradingConfigKey = "bot:trading_config"
	opTimeout        = 3 * time.Second
)

// Store wraps the Redis client for settings persistence.
type Store struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewStore connects to Redis. A failed ping returns an error; callers may
// proceed without a store.
func NewStore(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Store{
		client: client,
		log:    logger.With().Str("component", "settings_store").Logger(),
	}, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// SaveTradingConfig persists the current trading parameters.
func (s *Store) SaveTradingConfig(ctx context.Context, cfg config.TradingConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling trading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, tradingConfigKey, data, 0).Err(); err != nil {
		return fmt.Errorf("saving trading config: %w", err)
	}
	return nil
}

// LoadTradingConfig returns the persisted parameters, or (nil, nil) when
// none have been saved.
func (s *Store) LoadTradingConfig(ctx context.Context) (*config.TradingConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, tradingConfigKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading trading config: %w", err)
	}

	var cfg config.TradingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling trading config: %w", err)
	}
	return &cfg, nil
}
