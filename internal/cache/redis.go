package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/types"
)

const (
	defaultNamespace = "neotoma"
	defaultTTL       = time.Hour
)

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithNamespace sets the key prefix (default "neotoma").
func WithNamespace(ns string) RedisOption {
	return func(r *Redis) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// WithTTL sets the snapshot expiry (default 1h). Zero or negative keeps
// entries until invalidated.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// Redis caches snapshots in a shared Redis instance so that multiple
// processes see the same cache. Entries expire after the TTL; explicit
// invalidation does not wait for it.
type Redis struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	log       *zap.Logger
	closed    atomic.Bool
}

// NewRedis connects to redisURL (redis:// or rediss://) and verifies the
// connection with a ping before returning.
func NewRedis(redisURL string, log *zap.Logger, opts ...RedisOption) (*Redis, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Redis{
		client:    redis.NewClient(redisOpts),
		namespace: defaultNamespace,
		ttl:       defaultTTL,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return r, nil
}

func (r *Redis) key(userID, entityID string) string {
	return r.namespace + ":snap:" + userID + ":" + entityID
}

// Get returns the cached snapshot for (userID, entityID), if any. Backend
// errors report a miss.
func (r *Redis) Get(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, bool) {
	if r.closed.Load() {
		return nil, false
	}
	raw, err := r.client.Get(ctx, r.key(userID, entityID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Debug("snapshot cache read failed",
				zap.String("entity_id", entityID), zap.Error(err))
		}
		return nil, false
	}
	var snap types.EntitySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		r.log.Warn("snapshot cache entry corrupt, dropping",
			zap.String("entity_id", entityID), zap.Error(err))
		r.client.Del(ctx, r.key(userID, entityID))
		return nil, false
	}
	return &snap, true
}

// Put stores snap under the namespaced key with the configured TTL.
func (r *Redis) Put(ctx context.Context, snap *types.EntitySnapshot) {
	if snap == nil || r.closed.Load() {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		r.log.Warn("snapshot cache encode failed",
			zap.String("entity_id", snap.EntityID), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, r.key(snap.UserID, snap.EntityID), raw, r.ttl).Err(); err != nil {
		r.log.Debug("snapshot cache write failed",
			zap.String("entity_id", snap.EntityID), zap.Error(err))
	}
}

// Invalidate drops the entry for (userID, entityID). Satisfies
// reduce.Invalidator.
func (r *Redis) Invalidate(ctx context.Context, userID, entityID string) {
	if r.closed.Load() {
		return
	}
	if err := r.client.Del(ctx, r.key(userID, entityID)).Err(); err != nil {
		r.log.Debug("snapshot cache invalidate failed",
			zap.String("entity_id", entityID), zap.Error(err))
	}
}

// Close shuts down the client. Subsequent calls are no-ops.
func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.client.Close()
}
