/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for station
// configuration and track lists. The timeline engine reads through it on
// every pull, so a cold or absent Redis must never break playback: the
// cache disables itself on connection errors and callers fall back to the
// database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wanderlight/ember_radio/internal/models"
)

// Default TTL values for different cache types
const (
	DefaultStationTTL = 5 * time.Minute
	DefaultTracksTTL  = 5 * time.Minute
)

// Key prefixes for Redis cache
const (
	KeyStation = "ember:cache:station:" // + station_id
	KeyTracks  = "ember:cache:tracks:"  // + station_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	StationTTL time.Duration
	TracksTTL  time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		StationTTL:     DefaultStationTTL,
		TracksTTL:      DefaultTracksTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.StationTTL <= 0 {
		cfg.StationTTL = DefaultStationTTL
	}
	if cfg.TracksTTL <= 0 {
		cfg.TracksTTL = DefaultTracksTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// GetStation retrieves a cached station record.
func (c *Cache) GetStation(ctx context.Context, stationID uint) (*models.Station, bool) {
	var station models.Station
	found, err := c.get(ctx, stationKey(stationID), &station)
	if err != nil || !found {
		return nil, false
	}
	return &station, true
}

// SetStation caches a station record.
func (c *Cache) SetStation(ctx context.Context, station *models.Station) error {
	return c.set(ctx, stationKey(station.ID), station, c.config.StationTTL)
}

// GetStationTracks retrieves the cached playlist track list for a station.
func (c *Cache) GetStationTracks(ctx context.Context, stationID uint) ([]models.Track, bool) {
	var tracks []models.Track
	found, err := c.get(ctx, tracksKey(stationID), &tracks)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Uint("station", stationID).Int("count", len(tracks)).Msg("track list cache hit")
	return tracks, true
}

// SetStationTracks caches a station's playlist track list.
func (c *Cache) SetStationTracks(ctx context.Context, stationID uint, tracks []models.Track) error {
	return c.set(ctx, tracksKey(stationID), tracks, c.config.TracksTTL)
}

// InvalidateStation drops a station's cached record and track list. Called
// on station or schedule CRUD so pulls observe fresh configuration.
func (c *Cache) InvalidateStation(ctx context.Context, stationID uint) {
	_ = c.delete(ctx, stationKey(stationID))
	_ = c.delete(ctx, tracksKey(stationID))
}

func stationKey(stationID uint) string {
	return fmt.Sprintf("%s%d", KeyStation, stationID)
}

func tracksKey(stationID uint) string {
	return fmt.Sprintf("%s%d", KeyTracks, stationID)
}
