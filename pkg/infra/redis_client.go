package infra

import (
	"context"

	"game-soul-technology/joker/joker-presence-server/pkg/config"

	"github.com/go-redis/redis/v8"
)

// ProvideRedisClient creates the process wide redis client. The returned
// cleanup closes it, nothing else should.
func ProvideRedisClient(cfg *config.Config, loggerFactory *LoggerFactory) (*redis.Client, func()) {
	logger := loggerFactory.Create("RedisClient").Sugar()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisHost,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDb,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			logger.Infof("redis connected to host[%v] db[%v]", cfg.RedisHost, cfg.RedisDb)
			return nil
		},
	})

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Errorf("cannot close redis client %v", err)
		}
	}
	return client, cleanup
}
