package locker

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/attribution/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("locker",
	fx.Provide(Provide),
)

// Provide picks the redis locker when REDIS_ADDR is set and the local one otherwise.
func Provide(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Locker {
	if cfg.RedisAddr == "" {
		log.Named("locker").Warn("redis not configured, using in-process locks")
		return NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewRedisLocker(client)
}
