// auth.go — middleware аутентификации по API-ключу.
// Ключ передаётся в заголовке X-API-Key или параметре api_key.
// Каждому ключу сопоставлен пользователь; он помещается в контекст запроса
// и используется как владелец, если запрос не указывает владельца явно.
// Без настроенных ключей middleware пропускает все запросы.
package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/recstore/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeySubject — ключ пользователя API-ключа в контексте запроса.
const ContextKeySubject contextKey = "api_subject"

// HeaderAPIKey — заголовок с API-ключом.
const HeaderAPIKey = "X-API-Key"

// APIKeyAuth — middleware аутентификации по API-ключу.
type APIKeyAuth struct {
	keys   map[string]string
	logger *slog.Logger
}

// NewAPIKeyAuth создаёт middleware. keys — отображение ключ → пользователь.
func NewAPIKeyAuth(keys map[string]string, logger *slog.Logger) *APIKeyAuth {
	return &APIKeyAuth{
		keys:   keys,
		logger: logger.With(slog.String("component", "api_key_auth")),
	}
}

// Enabled сообщает, настроены ли ключи.
func (a *APIKeyAuth) Enabled() bool {
	return len(a.keys) > 0
}

// Middleware возвращает HTTP middleware проверки API-ключа.
func (a *APIKeyAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key == "" {
				apierrors.Unauthorized(w, "Требуется API-ключ в заголовке X-API-Key или параметре api_key")
				return
			}

			subject, ok := a.lookup(key)
			if !ok {
				a.logger.Debug("Неверный API-ключ", slog.String("remote_addr", r.RemoteAddr))
				apierrors.Unauthorized(w, "Неверный API-ключ")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// lookup сравнивает ключ со всеми настроенными за постоянное время.
func (a *APIKeyAuth) lookup(key string) (string, bool) {
	var subject string
	found := false
	for k, user := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			subject = user
			found = true
		}
	}
	return subject, found
}

// SubjectFromContext извлекает пользователя API-ключа из контекста запроса.
// Возвращает пустую строку, если запрос не аутентифицирован.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}
