package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a cached view lives without invalidation.
const DefaultCacheTTL = time.Hour

const (
	cachePrefix     = "cache"
	viewPermissions = "permissions"
	viewRoles       = "roles"
)

// CacheKey identifies a cached view of one entity.
type CacheKey struct {
	Kind string
	ID   int64
	View string
}

func (k CacheKey) String() string {
	return strings.Join([]string{k.Kind, strconv.FormatInt(k.ID, 10), k.View}, ":")
}

// UserPermissionsKey addresses the cached override list of a user.
func UserPermissionsKey(userID int64) CacheKey {
	return CacheKey{Kind: "user", ID: userID, View: viewPermissions}
}

// UserRolesKey addresses the cached role assignment list of a user.
func UserRolesKey(userID int64) CacheKey {
	return CacheKey{Kind: "user", ID: userID, View: viewRoles}
}

// Cache stores derived views and drops them when the underlying rows change.
type Cache interface {
	Fetch(ctx context.Context, key CacheKey, dest any, loader func(context.Context) (any, error)) error
	Invalidate(ctx context.Context, keys ...CacheKey) error
}

// NopCache always calls the loader.
type NopCache struct{}

// Fetch runs the loader and copies its value into dest.
func (NopCache) Fetch(ctx context.Context, _ CacheKey, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Invalidate is a no-op.
func (NopCache) Invalidate(context.Context, ...CacheKey) error { return nil }

var errStaleFill = errors.New("cache: stale fill")

// RedisCache keeps views in Redis. Each key has a generation counter bumped on
// invalidation; a fill started before an invalidation is discarded instead of
// overwriting the fresher state.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedisCache instantiates the cache helper.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Fetch loads a cached value or populates it using the loader.
func (c *RedisCache) Fetch(ctx context.Context, key CacheKey, dest any, loader func(context.Context) (any, error)) error {
	if c == nil || c.client == nil {
		return NopCache{}.Fetch(ctx, key, dest, loader)
	}
	if loader == nil {
		return errors.New("cache: loader required")
	}
	payload, err := c.client.Get(ctx, dataKey(key)).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	gen, err := c.generation(ctx, key)
	if err != nil {
		return err
	}
	// Fills are shared only within one generation; a reader arriving after an
	// invalidation never joins a fill that started before it.
	v, err, _ := c.group.Do(dataKey(key)+":"+strconv.FormatInt(gen, 10), func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.store(ctx, key, gen, raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dest)
}

// Invalidate drops the cached views and bumps their generations atomically.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...CacheKey) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, generationKey(key))
			pipe.Expire(ctx, generationKey(key), 2*c.ttl)
			pipe.Del(ctx, dataKey(key))
		}
		return nil
	})
	return err
}

func (c *RedisCache) generation(ctx context.Context, key CacheKey) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) store(ctx context.Context, key CacheKey, gen int64, raw []byte) error {
	genKey := generationKey(key)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey(key), raw, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, errStaleFill) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func dataKey(key CacheKey) string {
	return cachePrefix + ":" + key.String()
}

func generationKey(key CacheKey) string {
	return dataKey(key) + ":gen"
}
