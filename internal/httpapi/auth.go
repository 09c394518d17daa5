package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Session is what the external auth collaborator resolves a bearer token
// into. The engine does not own sessions; it only scopes requests to the
// resolved tenant.
type Session struct {
	SessionID string
	TenantID  string
	UserID    string
	Role      string
}

var ErrSessionNotFound = errors.New("session not found")

// SessionResolver is the tenant/session collaborator. Implementations call
// out to the auth service; OpenResolver skips the check entirely for dev.
type SessionResolver interface {
	ResolveSession(ctx context.Context, sessionID string) (Session, error)
}

// OpenResolver accepts every request without a session. Dev/test only.
type OpenResolver struct{}

func (OpenResolver) ResolveSession(ctx context.Context, sessionID string) (Session, error) {
	return Session{SessionID: sessionID}, nil
}

type authContextKey struct{}

func AuthMiddleware(resolver SessionResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := resolver.(OpenResolver); ok {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := resolver.ResolveSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return Session{}, false
	}
	session, ok := value.(Session)
	return session, ok
}

// requireTenant rejects requests whose resolved session belongs to a
// different tenant. Requests without a session in context (auth disabled)
// pass through.
func requireTenant(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		return true
	}
	if session.TenantID != "" && session.TenantID != tenantID {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "tenant access denied")
		return false
	}
	return true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
