package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "access:version"
	// BumpChannel carries version bumps published after every grant mutation.
	BumpChannel = "access.bump"
)

// PrincipalReader looks up the principal record. It is consulted on every
// cached load because principal lifecycle is managed outside Admin and never
// bumps the cache version.
type PrincipalReader interface {
	Principal(ctx context.Context, id int64) (Principal, bool, error)
}

// Cache is a versioned read-through cache of principal grant sources. Every
// entry key embeds the global version, so a Bump makes all prior entries
// unreachable on every node at once.
//
// Only grant rows are served from the cache. The principal record (active
// flag, profile completion, role membership) is re-read on every load.
type Cache struct {
	client     *redis.Client
	ttl        time.Duration
	next       SourceLoader
	principals PrincipalReader
	local      *lru.Cache[string, Sources]
	group      singleflight.Group
	logger     *slog.Logger
	// degraded is set when a Bump could not reach Redis. Loads bypass both
	// cache tiers until a Bump succeeds.
	degraded atomic.Bool
}

// NewCache wraps next with Redis and an in-process LRU of the given size.
// A nil client disables caching.
func NewCache(client *redis.Client, next SourceLoader, principals PrincipalReader, ttl time.Duration, size int, logger *slog.Logger) (*Cache, error) {
	if next == nil {
		return nil, errors.New("access cache: loader required")
	}
	if principals == nil {
		return nil, errors.New("access cache: principal reader required")
	}
	if size <= 0 {
		size = 1024
	}
	local, err := lru.New[string, Sources](size)
	if err != nil {
		return nil, fmt.Errorf("access cache: lru: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, next: next, principals: principals, local: local, logger: logger}, nil
}

// Version returns the current cache version, initialising it when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Load returns the sources of a principal, serving grant rows from the
// cache when possible.
func (c *Cache) Load(ctx context.Context, principalID int64) (Sources, error) {
	if c.client == nil {
		return c.next.Load(ctx, principalID)
	}
	if c.degraded.Load() {
		if err := c.Bump(ctx); err != nil {
			return c.next.Load(ctx, principalID)
		}
	}
	ver, err := c.Version(ctx)
	if err != nil {
		c.logger.Warn("access cache version", slog.Any("error", err))
		return c.next.Load(ctx, principalID)
	}

	principal, found, err := c.principals.Principal(ctx, principalID)
	if err != nil {
		return Sources{}, fmt.Errorf("access: load principal %d: %w", principalID, err)
	}
	if !found || !principal.Active {
		return Sources{Principal: Principal{ID: principalID}}, nil
	}

	src, err := c.cached(ctx, principalID, ver)
	if err != nil {
		return Sources{}, err
	}
	if !src.Resolved {
		// Deactivated between the two reads.
		return src, nil
	}
	principal.Roles = normalizeCodes(principal.Roles)
	src.Principal = principal
	return src, nil
}

func (c *Cache) cached(ctx context.Context, principalID, ver int64) (Sources, error) {
	key := sourcesKey(principalID, ver)
	if src, ok := c.local.Get(key); ok {
		return src, nil
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var src Sources
		if err := json.Unmarshal(payload, &src); err == nil {
			c.local.Add(key, src)
			return src, nil
		}
		c.logger.Warn("access cache decode", slog.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("access cache get", slog.String("key", key), slog.Any("error", err))
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		src, err := c.next.Load(ctx, principalID)
		if err != nil {
			return nil, err
		}
		if !src.Resolved {
			return src, nil
		}
		if raw, err := json.Marshal(src); err == nil {
			if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.logger.Warn("access cache set", slog.String("key", key), slog.Any("error", err))
			}
		}
		return src, nil
	})
	if err != nil {
		return Sources{}, err
	}
	src := res.(Sources)
	if src.Resolved {
		c.local.Add(key, src)
	}
	return src, nil
}

// Bump invalidates every cached entry by incrementing the version and
// publishing it for other nodes. When the increment fails the cache stays
// bypassed on this node until a later Bump succeeds; Load retries it.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		c.degraded.Store(true)
		c.local.Purge()
		return fmt.Errorf("access cache: bump: %w", err)
	}
	c.local.Purge()
	if c.degraded.CompareAndSwap(true, false) {
		c.logger.Info("access cache recovered", slog.Int64("version", ver))
	}
	// Peers read the version from Redis on every load, so a lost publish
	// only leaves unreachable LRU entries behind.
	if err := c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err(); err != nil {
		c.logger.Warn("access cache publish", slog.Any("error", err))
	}
	return nil
}

// ListenForInvalidation purges the local LRU whenever another node bumps the version.
func (c *Cache) ListenForInvalidation(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, BumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("access cache: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				c.local.Purge()
			}
		}
	}()
	return nil
}

func sourcesKey(principalID, version int64) string {
	return "access:sources:" + strconv.FormatInt(principalID, 10) + ":" + strconv.FormatInt(version, 10)
}
