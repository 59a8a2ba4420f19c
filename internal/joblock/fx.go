package joblock

import (
	"github.com/redis/go-redis/v9"
	"github.com/tiffinly/tiffinly/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("joblock",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
)

// NewRedisClient returns nil when no address is configured; the locker then
// runs in no-op mode.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}
