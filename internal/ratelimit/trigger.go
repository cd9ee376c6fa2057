package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/attribution/internal/config"
)

const keyTriggerTenant = "attribution:trigger:tenant:%s"

// TriggerLimiter throttles manual attribution runs and billing syncs per tenant.
type TriggerLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewTriggerLimiter returns nil when rate limiting is disabled or redis is not configured.
func NewTriggerLimiter(cfg config.Config) *TriggerLimiter {
	if !cfg.RateLimitEnabled || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewTriggerLimiterWithClient(client, cfg.TriggerRate, cfg.TriggerBurst)
}

func NewTriggerLimiterWithClient(client redis.UniversalClient, rate float64, burst int) *TriggerLimiter {
	if rate <= 0 {
		rate = 1.0 / 60
	}
	if burst <= 0 {
		burst = 5
	}
	return &TriggerLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}
}

func (l *TriggerLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *TriggerLimiter) AllowTenant(ctx context.Context, tenantID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyTriggerTenant, strings.TrimSpace(tenantID)), l.rate, l.burst)
}
