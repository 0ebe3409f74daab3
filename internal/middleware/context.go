package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type userIDKey struct{}

// GetUserID: идентификатор вызывающего, проверенный JWTAuth или AuthServiceValidate; "" если его нет.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey{}).(string)
	return v
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// clientIP: адрес клиента без порта. За прокси RemoteAddr уже переписан chi RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// MaskToken маскирует токен в логах.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
