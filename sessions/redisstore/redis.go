// Package redisstore provides a Redis-backed implementation of
// sessions.DataStore for deployments that want session data off-heap. It is
// not a persistence mechanism: destroyed sessions still have their keys
// cleared, and values must be JSON-encodable.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/DasDarki/MagicWire/sessions"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: WIRE_SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"WIRE_SESSIONS_KEY_PREFIX,default=wire:sessions:"`
}

// Store implements sessions.DataStore on a Redis hash per session.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "wire:sessions:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(sessionID string) string { return s.keyPrefix + "data:" + sessionID }

func (s *Store) Set(ctx context.Context, sessionID, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode session value %q: %w", key, err)
	}
	return s.client.HSet(ctx, s.key(sessionID), key, b).Err()
}

func (s *Store) Get(ctx context.Context, sessionID, key string) (any, bool, error) {
	b, err := s.client.HGet(ctx, s.key(sessionID), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false, fmt.Errorf("decode session value %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Delete(ctx context.Context, sessionID, key string) error {
	return s.client.HDel(ctx, s.key(sessionID), key).Err()
}

func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

var _ sessions.DataStore = (*Store)(nil)
