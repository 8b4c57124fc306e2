// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package historycache caches conversation memory transcripts in Redis.
package historycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/groundchat/memcore/pkg/memory"
)

// DefaultTTL bounds how long a transcript stays cached.
const DefaultTTL = 60 * time.Second

const (
	keyPrefix        = "memcore:history:"
	versionKeyPrefix = "memcore:history-version:"
)

// compile-time check
var _ memory.HistoryCache = (*Cache)(nil)

// Cache implements memory.HistoryCache on Redis.
type Cache struct {
	client *redisv9.Client
	ttl    time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redisv9.Client, error) {
	client := redisv9.NewClient(&redisv9.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}
	return client, nil
}

// New wraps a connected client. A non-positive ttl selects DefaultTTL.
func New(client *redisv9.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Get(ctx context.Context, tenantID string) ([]memory.Fragment, bool, error) {
	raw, err := c.client.Get(ctx, key(tenantID)).Result()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}

	var frags []memory.Fragment
	if err := json.Unmarshal([]byte(raw), &frags); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
	}
	return frags, true, nil
}

// Version returns the tenant's invalidation counter; 0 if never invalidated.
func (c *Cache) Version(ctx context.Context, tenantID string) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(tenantID)).Int64()
	if errors.Is(err, redisv9.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get history version failed: %w", err)
	}
	return v, nil
}

// SetIfVersion writes the transcript inside a WATCH on the version key, so
// a Delete from any process between Version and the write aborts it.
func (c *Cache) SetIfVersion(ctx context.Context, tenantID string, version int64, fragments []memory.Fragment) error {
	payload, err := json.Marshal(fragments)
	if err != nil {
		return fmt.Errorf("marshal history cache failed: %w", err)
	}

	vkey := versionKey(tenantID)
	err = c.client.Watch(ctx, func(tx *redisv9.Tx) error {
		cur, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redisv9.Nil) {
			return err
		}
		if cur != version {
			return memory.ErrStaleHistory
		}
		_, err = tx.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
			pipe.Set(ctx, key(tenantID), payload, c.ttl)
			return nil
		})
		return err
	}, vkey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, memory.ErrStaleHistory), errors.Is(err, redisv9.TxFailedErr):
		return memory.ErrStaleHistory
	default:
		return fmt.Errorf("redis set history failed: %w", err)
	}
}

// Delete drops the transcripts and advances each tenant's version.
func (c *Cache) Delete(ctx context.Context, tenantIDs ...string) error {
	if len(tenantIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		for _, id := range tenantIDs {
			pipe.Del(ctx, key(id))
			pipe.Incr(ctx, versionKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete history failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func key(tenantID string) string {
	return keyPrefix + tenantID
}

func versionKey(tenantID string) string {
	return versionKeyPrefix + tenantID
}
