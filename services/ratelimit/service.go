// Package ratelimit admits privileged calls per identity with a sliding
// window kept in a Redis sorted set.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/config"
	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
)

const keyPrefix = "rate_limit:"

// admitScript trims, counts and records in one round trip so two concurrent
// admits can never both take the last slot.
//
// KEYS[1] window key
// ARGV[1] now (ms)  ARGV[2] trim bound, exclusive  ARGV[3] limit
// ARGV[4] member    ARGV[5] ttl (ms)
var admitScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[3]) then
  return {0, count}
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, count + 1}
`)

// RateLimitService is the sliding-window rate limiter.
// A request at exactly now-window still counts against the quota.
type RateLimitService struct {
	rdb     redis.UniversalClient
	limit   int
	window  time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics observability.Metrics
}

// Option customizes a RateLimitService.
type Option func(*RateLimitService)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *RateLimitService) { s.now = now }
}

// WithMetrics records every admission decision.
func WithMetrics(m observability.Metrics) Option {
	return func(s *RateLimitService) { s.metrics = m }
}

// NewRateLimitService creates a limiter with the quota and window from cfg
func NewRateLimitService(rdb redis.UniversalClient, cfg config.AuthConfig, logger *zap.Logger, opts ...Option) (*RateLimitService, error) {
	if cfg.RateLimitRequests <= 0 {
		return nil, errors.New("rate limit quota must be positive")
	}
	if cfg.RateLimitWindow < time.Millisecond {
		return nil, errors.New("rate limit window must be at least one millisecond")
	}
	s := &RateLimitService{
		rdb:     rdb,
		limit:   cfg.RateLimitRequests,
		window:  cfg.RateLimitWindow,
		now:     time.Now,
		logger:  logger,
		metrics: observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func windowKey(key string) string { return keyPrefix + key }

// Admit records one request for key if the window has room.
// A full window returns false without recording; only store faults are errors.
func (s *RateLimitService) Admit(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, services.NewDomainError(services.ErrorTypeValidation, "rate limit key is required", nil)
	}

	now := s.now()
	nowMs := now.UnixMilli()
	windowMs := s.window.Milliseconds()
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	result, err := admitScript.Run(ctx, s.rdb, []string{windowKey(key)},
		nowMs,
		"("+strconv.FormatInt(nowMs-windowMs, 10),
		s.limit,
		member,
		windowMs,
	).Result()
	if err != nil {
		return false, services.WrapStoreUnavailable("rate limiter unavailable", err)
	}

	admitted, count, err := parseAdmitResult(result)
	if err != nil {
		return false, services.WrapInternal("unexpected rate limiter response", err)
	}

	s.metrics.RecordRateLimitDecision(admitted)
	if !admitted {
		s.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", s.limit),
			zap.Duration("window", s.window))
	}
	return admitted, nil
}

func parseAdmitResult(result interface{}) (bool, int64, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("got %T", result)
	}
	flag, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("invalid admit flag %v", values[0])
	}
	count, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("invalid count %v", values[1])
	}
	return flag == 1, count, nil
}

// Info reports the current window for key without modifying it
func (s *RateLimitService) Info(ctx context.Context, key string) (*models.RateLimitWindow, error) {
	if key == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "rate limit key is required", nil)
	}

	now := s.now()
	nowMs := now.UnixMilli()
	lower := strconv.FormatInt(nowMs-s.window.Milliseconds(), 10)
	k := windowKey(key)

	var (
		countCmd  *redis.IntCmd
		oldestCmd *redis.ZSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		countCmd = pipe.ZCount(ctx, k, lower, "+inf")
		oldestCmd = pipe.ZRangeByScoreWithScores(ctx, k, &redis.ZRangeBy{Min: lower, Max: "+inf", Count: 1})
		return nil
	})
	if err != nil {
		return nil, services.WrapStoreUnavailable("rate limiter unavailable", err)
	}

	count := int(countCmd.Val())
	info := &models.RateLimitWindow{
		Key:       key,
		Limit:     s.limit,
		Count:     count,
		Remaining: max(s.limit-count, 0),
		Window:    s.window,
	}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		expires := time.UnixMilli(int64(oldest[0].Score)).Add(s.window)
		info.ResetIn = max(expires.Sub(time.UnixMilli(nowMs)), 0)
	}
	return info, nil
}

// Reset clears the window for key
func (s *RateLimitService) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, windowKey(key)).Err(); err != nil {
		return services.WrapStoreUnavailable("rate limiter unavailable", err)
	}
	s.logger.Info("rate limit window reset", zap.String("key", key))
	return nil
}
