package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/soldiers/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyProviderBucket = "soldiers:provider:%s"
	minRetryWait      = 10 * time.Millisecond
)

// Limiter blocks until the caller may make one more outbound call.
type Limiter interface {
	Wait(ctx context.Context) error
}

// RedisLimiter shares one provider quota across every replica.
type RedisLimiter struct {
	bucket *TokenBucket
	key    string
	rate   float64
	burst  int
}

func NewRedisLimiter(client redis.UniversalClient, provider string, perSecond float64, burst int) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if perSecond <= 0 || burst <= 0 {
		return nil, errors.New("provider rate limit must be positive")
	}
	return &RedisLimiter{
		bucket: NewTokenBucket(client),
		key:    fmt.Sprintf(keyProviderBucket, strings.TrimSpace(provider)),
		rate:   perSecond,
		burst:  burst,
	}, nil
}

func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		res, err := l.bucket.Allow(ctx, l.key, l.rate, l.burst)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		wait := res.RetryAfter
		if wait < minRetryWait {
			wait = minRetryWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// LocalLimiter is the in-process fallback when Redis is not configured.
type LocalLimiter struct {
	limiter *rate.Limiter
}

func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	if perSecond <= 0 {
		return &LocalLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// NewProviderLimiter picks the Redis bucket when a client is available.
func NewProviderLimiter(cfg config.Config, client redis.UniversalClient, log *zap.Logger) (Limiter, error) {
	if client == nil {
		log.Info("provider rate limit running in-process",
			zap.Float64("rate_per_second", cfg.Stripe.RatePerSecond),
			zap.Int("burst", cfg.Stripe.Burst),
		)
		return NewLocalLimiter(cfg.Stripe.RatePerSecond, cfg.Stripe.Burst), nil
	}
	return NewRedisLimiter(client, "stripe", cfg.Stripe.RatePerSecond, cfg.Stripe.Burst)
}
