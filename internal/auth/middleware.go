package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/drive-sync/internal/models"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

const wwwAuthenticate = `Bearer realm="drive-sync"`

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithUserID returns ctx carrying userID as the authenticated identity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// Middleware returns HTTP middleware that requires a valid API key as a
// Bearer token. Unauthenticated requests get a 401.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			log := logger.With(slog.String("ip", ip), slog.String("path", r.URL.Path))

			token, ok := bearerToken(r)
			if !ok {
				log.Debug("control request without bearer token")
				challenge(w, "")

				return
			}

			ak := lookup(store, token)
			if ak == nil {
				log.Debug("control request with unknown API key")
				challenge(w, "invalid_token")

				return
			}

			log.Debug("control request authenticated", slog.String("user_id", ak.UserID))

			ctx := WithUserID(r.Context(), ak.UserID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookup(store *Store, token string) *models.APIKey {
	if !strings.HasPrefix(token, APIKeyPrefix) {
		return nil
	}

	return store.ValidateAPIKey(token)
}

func bearerToken(r *http.Request) (string, bool) {
	return strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// challenge answers 401 with a Bearer challenge. A non-empty code is
// reported as the error parameter.
func challenge(w http.ResponseWriter, code string) {
	v := wwwAuthenticate
	if code != "" {
		v += `, error="` + code + `"`
	}

	w.Header().Set("WWW-Authenticate", v)
	w.WriteHeader(http.StatusUnauthorized)
}
