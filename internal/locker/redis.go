package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript удаляет ключ, только если он все еще принадлежит владельцу токена
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis распределенная блокировка между экземплярами сервиса
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisClient создает клиента по REDIS_URL
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}
	return client, nil
}

// NewRedis создает распределенный локер. ttl ограничивает удержание
// блокировки упавшим владельцем.
func NewRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		prefix: "settlement:lock:",
		logger: logger,
	}
}

// Lock захватывает ключ через SET NX PX, опрашивая до отмены ctx
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := r.prefix + key

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("ошибка захвата блокировки %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// освобождение не должно зависеть от отмененного контекста вызывающего
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("ошибка освобождения блокировки", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
