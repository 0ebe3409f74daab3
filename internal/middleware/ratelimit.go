package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/deptchat/internal/logger"
)

const (
	rateLimitWindow = time.Minute
	rateLimitMaxIP  = 300
)

type rateLimiter struct {
	mu        sync.Mutex
	times     map[string][]time.Time
	max       int
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window, now: time.Now}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	r.sweep(now, cutoff)

	slice := pruneBefore(r.times[key], cutoff)
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// sweep раз в окно удаляет ключи без отметок внутри окна.
func (r *rateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for key, slice := range r.times {
		if slice = pruneBefore(slice, cutoff); len(slice) == 0 {
			delete(r.times, key)
		} else {
			r.times[key] = slice
		}
	}
}

func pruneBefore(slice []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	return slice[:i]
}

var apiRateByIP = newRateLimiter(rateLimitMaxIP, rateLimitWindow)

// RateLimitIP ограничивает запросы к /api/* по IP. 429 при превышении.
func RateLimitIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !apiRateByIP.allow(ip) {
			writeTooMany(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Limiter: счётчик событий в окне (storage.Cache: Redis или память).
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// RateLimitWrites ограничивает изменяющие запросы (POST/DELETE) по user_id из контекста.
// Ошибка счётчика не блокирует запрос.
func RateLimitWrites(l Limiter, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := GetUserID(r.Context())
			if userID == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := l.Allow(r.Context(), "w:"+userID, perMinute, rateLimitWindow)
			if err != nil {
				logger.Errorf("rate limit %s: %v", userID, err)
			} else if !ok {
				writeTooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeTooMany(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
}
