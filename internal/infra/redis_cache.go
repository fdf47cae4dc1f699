// Package infra provides the Redis adapter backing the credential cache.
// When no Redis address is configured (or the connection fails) main.go
// falls back to the in-process cache.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coordcore/coordinator/internal/auth"
)

const credentialKeyPrefix = "coord:cred:"

// RedisCache implements auth.Cache over go-redis v9, so revocations
// propagate across coordinator replicas sharing one Redis.
type RedisCache struct {
	rdb *redis.Client
}

type cachedPrincipal struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
	MCPID string `json:"mcp_id,omitempty"`
}

// NewRedisCache connects and verifies connectivity. The caller decides
// whether a failure falls back to the in-memory cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis credential cache connected", "addr", addr, "db", db)
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Get(token string) (*auth.Principal, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := c.rdb.Get(ctx, credentialKeyPrefix+token).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("Redis credential get failed", "error", err)
		return nil, false
	}
	var cp cachedPrincipal
	if err := json.Unmarshal(val, &cp); err != nil {
		return nil, false
	}
	return &auth.Principal{ID: cp.ID, Scope: auth.Scope(cp.Scope), MCPID: cp.MCPID}, true
}

func (c *RedisCache) Set(token string, p *auth.Principal, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	body, err := json.Marshal(cachedPrincipal{ID: p.ID, Scope: string(p.Scope), MCPID: p.MCPID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.Set(ctx, credentialKeyPrefix+token, body, ttl).Err(); err != nil {
		slog.Warn("Redis credential set failed", "error", err)
	}
}

func (c *RedisCache) Delete(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.Del(ctx, credentialKeyPrefix+token).Err(); err != nil {
		slog.Warn("Redis credential delete failed", "error", err)
	}
}

// Close shuts down the underlying client.
func (c *RedisCache) Close() error { return c.rdb.Close() }
