package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/deptchat/internal/logger"
)

type validateResponse struct {
	UserID string `json:"user_id"`
}

// AuthServiceValidate проверяет личность через сервис авторизации HR-платформы:
// Authorization пересылается в POST {authServiceURL}/internal/validate, ответ: {"user_id": "..."}.
// 401/403 от сервиса: 401 клиенту; недоступность сервиса: 503, чтобы клиент не выходил из сессии.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	endpoint := strings.TrimSuffix(authServiceURL, "/") + "/internal/validate"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				writeUnauthorized(w)
				return
			}
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, nil)
			if err != nil {
				logger.Errorf("auth validate request: %v", err)
				writeUnavailable(w)
				return
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			resp, err := client.Do(req)
			if err != nil {
				logger.Errorf("auth service unreachable: %v", err)
				writeUnavailable(w)
				return
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				logger.Debugf("auth service rejected token=%s", MaskToken(tok))
				writeUnauthorized(w)
				return
			case resp.StatusCode != http.StatusOK:
				logger.Errorf("auth service status %d", resp.StatusCode)
				writeUnavailable(w)
				return
			}
			var vr validateResponse
			if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil || vr.UserID == "" {
				logger.Errorf("auth service bad response: %v", err)
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), vr.UserID)))
		})
	}
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":"auth service unavailable"}` + "\n"))
}
