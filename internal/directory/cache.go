package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/notify"
	logx "herald/pkg/logx"
)

const (
	defaultCacheTTL = 60 * time.Second
	keyPrefix       = "herald:members:"
)

// RedisOptions configures the membership cache client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisClient opens a client with the timeouts used for cache lookups.
func NewRedisClient(o RedisOptions) *redis.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
}

// CachedDirectory caches membership lookups in redis. Writes, organization
// lookups and contacts pass straight through. Any redis failure falls back to
// the wrapped directory.
type CachedDirectory struct {
	*SQLDirectory
	rdb *redis.Client
	ttl time.Duration
	log logx.Logger
}

func NewCached(inner *SQLDirectory, rdb *redis.Client, ttl time.Duration, log logx.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CachedDirectory{SQLDirectory: inner, rdb: rdb, ttl: ttl, log: log.With(logx.String("comp", "directory.cache"))}
}

func (c *CachedDirectory) TaskParticipants(ctx context.Context, taskID string) ([]string, error) {
	return c.cached(ctx, "task:"+taskID, func() ([]string, error) { return c.SQLDirectory.TaskParticipants(ctx, taskID) })
}

func (c *CachedDirectory) WorkspaceMembers(ctx context.Context, workspaceID string) ([]string, error) {
	return c.cached(ctx, "workspace:"+workspaceID, func() ([]string, error) { return c.SQLDirectory.WorkspaceMembers(ctx, workspaceID) })
}

func (c *CachedDirectory) ProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	return c.cached(ctx, "project:"+projectID, func() ([]string, error) { return c.SQLDirectory.ProjectMembers(ctx, projectID) })
}

func (c *CachedDirectory) OrganizationMembers(ctx context.Context, organizationID string) ([]string, error) {
	return c.cached(ctx, "organization:"+organizationID, func() ([]string, error) { return c.SQLDirectory.OrganizationMembers(ctx, organizationID) })
}

// Invalidate drops cached membership for the given keys ("task:T1", ...).
func (c *CachedDirectory) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, keyPrefix+k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

func (c *CachedDirectory) cached(ctx context.Context, key string, load func() ([]string, error)) ([]string, error) {
	key = keyPrefix + key
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ids []string
		if jerr := json.Unmarshal(raw, &ids); jerr == nil {
			return ids, nil
		}
		c.log.Debug("discarding corrupt cache entry", logx.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("membership cache read failed", logx.String("key", key), logx.Err(err))
	}

	ids, err := load()
	if err != nil {
		return nil, err
	}
	b, _ := json.Marshal(ids)
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		c.log.Debug("membership cache write failed", logx.String("key", key), logx.Err(err))
	}
	return ids, nil
}

var (
	_ notify.ActivityLog = (*SQLDirectory)(nil)
	_ notify.ActivityLog = (*CachedDirectory)(nil)
	_ notify.Directory   = (*CachedDirectory)(nil)

	_ notify.MembershipInvalidator = (*CachedDirectory)(nil)
)
