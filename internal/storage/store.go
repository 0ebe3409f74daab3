package storage

import (
	"context"
	"time"

	"github.com/deptchat/internal/model"
)

// Cache: кэш профилей справочника и счётчики rate limit.
// Реализации: redis.Client, memory.Client (для --dev без Redis).
type Cache interface {
	// GetProfile возвращает (nil, nil), если профиля нет в кэше или он истёк.
	GetProfile(ctx context.Context, userID string) (*model.UserPublic, error)
	SetProfile(ctx context.Context, p *model.UserPublic, ttl time.Duration) error
	DeleteProfile(ctx context.Context, userID string) error
	// Allow учитывает одно событие по key и сообщает, укладывается ли оно в max за window.
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
	Close() error
}
