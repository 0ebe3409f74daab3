package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
)

// InternalOnly закрывает служебные маршруты (/metrics): пропускает приватные и loopback-адреса
// либо запрос с X-Internal-Secret, совпадающим с secret (пустой secret отключает этот путь).
func InternalOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if ip := net.ParseIP(clientIP(r)); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
