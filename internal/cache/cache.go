// Package cache is the short-lived Redis read model for entitlement queries.
// It is advisory: nothing that spends, grants or redirects reads from it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

const (
	keyPrefix = "tarot:entitlement:"
	genPrefix = "tarot:entitlement-gen:"

	// genTTL only bounds key growth. A generation that expires reads as 0,
	// which can only make a pending Set skip, never land stale data.
	genTTL = 24 * time.Hour
)

var errStale = errors.New("cache: entry invalidated since read")

// EntitlementCache stores check-access results per identity. Every
// invalidation bumps a per-identity generation; Set only writes when the
// generation still matches the one observed by Get, so a read that raced a
// webhook commit cannot repopulate the old entitlement.
type EntitlementCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New wraps client. A non-positive ttl defaults to 30s.
func New(client *redis.Client, ttl time.Duration) *EntitlementCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EntitlementCache{client: client, ttl: ttl}
}

func key(identityID string) string {
	return keyPrefix + identityID
}

func genKey(identityID string) string {
	return genPrefix + identityID
}

// Get returns a cached entitlement and the identity's current generation.
// Any Redis failure is a miss; a generation that cannot be read is -1, which
// makes the following Set a no-op.
func (c *EntitlementCache) Get(ctx context.Context, identityID string) (models.Entitlement, int64, bool) {
	var entryCmd, genCmd *redis.StringCmd
	_, _ = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		entryCmd = pipe.Get(ctx, key(identityID))
		genCmd = pipe.Get(ctx, genKey(identityID))
		return nil
	})

	gen, err := genCmd.Int64()
	switch {
	case errors.Is(err, redis.Nil):
		gen = 0
	case err != nil:
		log.Warn().Err(err).Str("identity_id", identityID).Msg("entitlement cache read failed")
		return models.Entitlement{}, -1, false
	}

	raw, err := entryCmd.Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("identity_id", identityID).Msg("entitlement cache read failed")
		}
		return models.Entitlement{}, gen, false
	}
	var e models.Entitlement
	if err := json.Unmarshal(raw, &e); err != nil {
		log.Warn().Err(err).Str("identity_id", identityID).Msg("entitlement cache entry undecodable")
		return models.Entitlement{}, gen, false
	}
	return e, gen, true
}

// Set stores e for the configured ttl if no invalidation happened since the
// Get that returned generation. Failures are logged only.
func (c *EntitlementCache) Set(ctx context.Context, identityID string, generation int64, e models.Entitlement) {
	if generation < 0 {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}

	gk := genKey(identityID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != generation {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(identityID), raw, c.ttl)
			return nil
		})
		return err
	}, gk)

	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		log.Debug().Str("identity_id", identityID).Msg("entitlement changed during read; not caching")
	default:
		log.Warn().Err(err).Str("identity_id", identityID).Msg("entitlement cache write failed")
	}
}

// Invalidate drops the cached entitlement after an authoritative write and
// bumps the generation so in-flight reads do not write it back.
func (c *EntitlementCache) Invalidate(ctx context.Context, identityID string) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(identityID))
		pipe.Expire(ctx, genKey(identityID), genTTL)
		pipe.Del(ctx, key(identityID))
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("identity_id", identityID).Msg("entitlement cache invalidate failed")
	}
}
