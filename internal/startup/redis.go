package startup

import (
	"context"
	"os"
	"time"

	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/storage"
	"github.com/deptchat/internal/storage/memory"
	redisstorage "github.com/deptchat/internal/storage/redis"
)

// ConnectCache возвращает кеш справочника и счётчики rate limit.
// Пустой redisURL: всё в памяти процесса (один инстанс, dev).
func ConnectCache(redisURL string, maxWait time.Duration) storage.Cache {
	if redisURL == "" {
		logger.Info("redis not configured, using in-process cache")
		return memory.New()
	}
	return ConnectRedisWithRetry(redisURL, maxWait)
}

// ConnectRedisWithRetry подключается к Redis с повторами.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration) *redisstorage.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redisstorage.New(ctx, redisURL)
		cancel()
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("redis (gave up after %v): %v", maxWait, err)
				os.Exit(1)
			}
			logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return client
	}
}
