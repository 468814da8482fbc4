// Package kv is the typed accessor over the Redis-like JSON+TTL store used
// by the sandbox manager and the reaper. It is the one component with no
// direct analogue in the teacher repo (which keeps all state in-memory);
// it is built in the idiom the rest of the example corpus uses for wiring a
// go-redis/v9 client.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the interface the manager and reaper depend on. It is
// satisfied by *Store (backed by a real Redis connection) and by a
// hand-rolled in-memory fake in tests.
type Client interface {
	JSONSet(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	JSONGet(ctx context.Context, key string, dest interface{}) (bool, error)
	JSONDelete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ScanIter(ctx context.Context, prefix string, batchSize int64, fn func(key string) error) error
}

// Store is a typed, minimal wrapper around a Redis client. Only the root
// JSON path ("$") is used anywhere in this codebase, so json_set/json_get
// degrade to plain SET/GET of a marshaled blob plus a key-level expiry —
// this works whether or not the target Redis instance has the RedisJSON
// module loaded.
type Store struct {
	client *redis.Client
}

// New constructs a Store from connection parameters. It does not ping the
// server; callers that want a fail-fast startup should call Ping themselves.
func New(addr, password string, db int) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping verifies connectivity to the configured Redis instance.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// JSONSet marshals value and stores it under key, with an optional TTL
// (zero means no expiry). This is the root-path ($) case of json_set.
func (s *Store) JSONSet(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: marshal value for key %s: %w", key, err)
	}
	if ttl > 0 {
		if err := s.client.Set(ctx, key, blob, ttl).Err(); err != nil {
			return fmt.Errorf("kv: SET %s: %w", key, err)
		}
		return nil
	}
	if err := s.client.Set(ctx, key, blob, 0).Err(); err != nil {
		return fmt.Errorf("kv: SET %s: %w", key, err)
	}
	return nil
}

// JSONGet fetches the value stored at key and unmarshals it into dest.
// It returns (false, nil) when the key does not exist — callers treat
// absence as "no such sandbox in the cache" and fall back to the operator.
func (s *Store) JSONGet(ctx context.Context, key string, dest interface{}) (bool, error) {
	blob, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: GET %s: %w", key, err)
	}
	if err := json.Unmarshal(blob, dest); err != nil {
		return false, fmt.Errorf("kv: unmarshal value for key %s: %w", key, err)
	}
	return true, nil
}

// JSONDelete removes key, tolerating its absence.
func (s *Store) JSONDelete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: DEL %s: %w", key, err)
	}
	return nil
}

// Expire refreshes the TTL on an existing key (used for the sliding
// expiration on status reads).
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv: EXPIRE %s: %w", key, err)
	}
	return nil
}

// ScanIter walks every key matching prefix+"*" in batches of batchSize,
// invoking fn for each. It uses SCAN with MATCH/COUNT, never KEYS, so it
// never blocks the server on a large keyspace.
func (s *Store) ScanIter(ctx context.Context, prefix string, batchSize int64, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", batchSize).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("kv: SCAN %s*: %w", prefix, err)
	}
	return nil
}

const (
	AliveKeyPrefix   = "alive:"
	TimeoutKeyPrefix = "timeout:"
)

// AliveKey returns the canonical KV key for a sandbox's SandboxInfo
// projection.
func AliveKey(sandboxID string) string {
	return AliveKeyPrefix + sandboxID
}

// TimeoutKey returns the canonical KV key for a sandbox's TTL record.
func TimeoutKey(sandboxID string) string {
	return TimeoutKeyPrefix + sandboxID
}
