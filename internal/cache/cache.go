package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vigilhq/vigil-backend/internal/config"
)

// Cache is the typed facade over Redis. All process-global mutable state
// (presence, revocation, risk windows, shuffle orders, rate limits) lives
// here so server instances stay stateless.
type Cache struct {
	rdb *redis.Client
}

// New wraps a connected Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// ─── Session presence ──────────────────────────────────────────────────────

// MarkPresence writes the session's liveness key with a rolling TTL.
func (c *Cache) MarkPresence(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error {
	return c.rdb.Set(ctx, config.CacheKey.SessionPresenceKey(sessionID.String()), 1, ttl).Err()
}

// ClearPresence removes the session's liveness key.
func (c *Cache) ClearPresence(ctx context.Context, sessionID uuid.UUID) error {
	return c.rdb.Del(ctx, config.CacheKey.SessionPresenceKey(sessionID.String())).Err()
}

// ─── Shuffled question order ───────────────────────────────────────────────

// SetShuffleOrderNX stores the question id sequence with set-if-absent
// semantics so two concurrent starts never interleave. Returns the sequence
// that won: the given one if this call set it, the existing one otherwise.
func (c *Cache) SetShuffleOrderNX(ctx context.Context, examID, userID uuid.UUID, ids []string, ttl time.Duration) ([]string, error) {
	key := config.CacheKey.ShuffledQuestionsKey(examID.String(), userID.String())
	encoded := encodeIDs(ids)

	set, err := c.rdb.SetNX(ctx, key, encoded, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx shuffle order: %w", err)
	}
	if set {
		return ids, nil
	}

	existing, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get shuffle order: %w", err)
	}
	return decodeIDs(existing), nil
}

// GetShuffleOrder returns the cached sequence, or nil when absent.
func (c *Cache) GetShuffleOrder(ctx context.Context, examID, userID uuid.UUID) ([]string, error) {
	key := config.CacheKey.ShuffledQuestionsKey(examID.String(), userID.String())
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeIDs(val), nil
}

// ─── Token revocation and refresh index ────────────────────────────────────

// RevokeJTI blacklists a token id for the remainder of its life.
func (c *Cache) RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil // already expired, nothing to revoke
	}
	return c.rdb.Set(ctx, config.CacheKey.RevokedJTIKey(jti), 1, ttl).Err()
}

// IsJTIRevoked reports whether a token id is on the revocation set.
func (c *Cache) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := c.rdb.Exists(ctx, config.CacheKey.RevokedJTIKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetCurrentRefresh indexes the user's active refresh capability.
func (c *Cache) SetCurrentRefresh(ctx context.Context, userID uuid.UUID, jti string, ttl time.Duration) error {
	return c.rdb.Set(ctx, config.CacheKey.RefreshTokenKey(userID.String()), jti, ttl).Err()
}

// GetCurrentRefresh returns the user's active refresh jti, or "" when none.
func (c *Cache) GetCurrentRefresh(ctx context.Context, userID uuid.UUID) (string, error) {
	val, err := c.rdb.Get(ctx, config.CacheKey.RefreshTokenKey(userID.String())).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// ─── Rate limiting ─────────────────────────────────────────────────────────

// CountLoginAttempt bumps and returns the login counter for an IP within the
// window. The first hit sets the window TTL.
func (c *Cache) CountLoginAttempt(ctx context.Context, ip string, window time.Duration) (int64, error) {
	return c.countWindow(ctx, config.CacheKey.LoginRateKey(ip), window)
}

// CountWSMessage bumps and returns the inbound-message counter for one
// session and message kind.
func (c *Cache) CountWSMessage(ctx context.Context, sessionID uuid.UUID, kind string, window time.Duration) (int64, error) {
	return c.countWindow(ctx, config.CacheKey.WSRateKey(sessionID.String(), kind), window)
}

func (c *Cache) countWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// ─── Rolling risk window ───────────────────────────────────────────────────

// WindowCounts is the state of a session's rolling risk window.
type WindowCounts struct {
	Frames   int64
	Critical int64
}

// ObserveResult records one inference result in the rolling window and
// returns the pruned counts. Members are keyed by the epoch-ms of at, so
// observations in the same millisecond count once; a result observed again at
// a later time is a new member. Both keys' TTLs are refreshed.
func (c *Cache) ObserveResult(ctx context.Context, sessionID uuid.UUID, at time.Time, critical bool, window, ttl time.Duration) (WindowCounts, error) {
	framesKey := config.CacheKey.RiskFramesKey(sessionID.String())
	criticalKey := config.CacheKey.RiskCriticalKey(sessionID.String())

	score := float64(at.UnixMilli())
	member := strconv.FormatInt(at.UnixMilli(), 10)
	cutoff := strconv.FormatInt(at.Add(-window).UnixMilli(), 10)

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, framesKey, redis.Z{Score: score, Member: member})
	if critical {
		pipe.ZAdd(ctx, criticalKey, redis.Z{Score: score, Member: member})
	}
	pipe.ZRemRangeByScore(ctx, framesKey, "-inf", cutoff)
	pipe.ZRemRangeByScore(ctx, criticalKey, "-inf", cutoff)
	frames := pipe.ZCard(ctx, framesKey)
	crit := pipe.ZCard(ctx, criticalKey)
	pipe.Expire(ctx, framesKey, ttl)
	pipe.Expire(ctx, criticalKey, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return WindowCounts{}, fmt.Errorf("observe result: %w", err)
	}
	return WindowCounts{Frames: frames.Val(), Critical: crit.Val()}, nil
}

// ClearRiskWindow deletes both window keys. Called on trigger so a requeued
// duplicate cannot double-fire, and on submit/suspend/reinstate.
func (c *Cache) ClearRiskWindow(ctx context.Context, sessionID uuid.UUID) error {
	return c.rdb.Del(ctx,
		config.CacheKey.RiskFramesKey(sessionID.String()),
		config.CacheKey.RiskCriticalKey(sessionID.String()),
	).Err()
}
