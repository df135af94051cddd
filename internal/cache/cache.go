// Package cache holds the optional entitlement status cache.
//
// Cached statuses are advisory: every failure is logged and reported as a
// miss, so callers fall back to the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"scanledger/internal/models"

	"github.com/redis/go-redis/v9"
)

type StatusCache interface {
	Get(ctx context.Context, userID int64) (models.Status, bool)
	Set(ctx context.Context, userID int64, status models.Status)
	Invalidate(ctx context.Context, userID int64)
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, int64) (models.Status, bool) { return models.Status{}, false }
func (Noop) Set(context.Context, int64, models.Status)        {}
func (Noop) Invalidate(context.Context, int64)                {}

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr and pings it once. A failed ping is returned so
// the caller can decide to run without a cache.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	log.Printf("[INFO] status cache connected to %s (ttl=%s)", addr, ttl)
	return &Redis{client: client, ttl: ttl}, nil
}

func statusKey(userID int64) string {
	return fmt.Sprintf("scanledger:status:%d", userID)
}

func (r *Redis) Get(ctx context.Context, userID int64) (models.Status, bool) {
	raw, err := r.client.Get(ctx, statusKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[WARN] status cache get user=%d: %v", userID, err)
		}
		return models.Status{}, false
	}
	var status models.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		log.Printf("[WARN] status cache decode user=%d: %v", userID, err)
		return models.Status{}, false
	}
	return status, true
}

func (r *Redis) Set(ctx context.Context, userID int64, status models.Status) {
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, statusKey(userID), raw, r.ttl).Err(); err != nil {
		log.Printf("[WARN] status cache set user=%d: %v", userID, err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, userID int64) {
	if err := r.client.Del(ctx, statusKey(userID)).Err(); err != nil {
		log.Printf("[WARN] status cache invalidate user=%d: %v", userID, err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
