package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticResolver struct {
	session Session
	err     error
}

func (r staticResolver) ResolveSession(ctx context.Context, sessionID string) (Session, error) {
	if r.err != nil {
		return Session{}, r.err
	}
	session := r.session
	session.SessionID = sessionID
	return session, nil
}

func TestAuthMiddleware(t *testing.T) {
	const otherTenant = "9d8c7b6a-5f4e-4d3c-8b2a-1f0e9d8c7b6a"
	handler := NewHandler(&fakeController{}).Routes()

	tests := []struct {
		name     string
		resolver SessionResolver
		session  string
		path     string
		body     string
		wantCode int
	}{
		{
			name:     "healthz is public",
			resolver: staticResolver{err: ErrSessionNotFound},
			path:     "/healthz",
			wantCode: http.StatusOK,
		},
		{
			name:     "missing session rejected",
			resolver: staticResolver{},
			path:     "/api/queue?tenant_id=" + testTenantID,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "unknown session rejected",
			resolver: staticResolver{err: ErrSessionNotFound},
			session:  "sess-1",
			path:     "/api/queue?tenant_id=" + testTenantID,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "session tenant must match request tenant",
			resolver: staticResolver{session: Session{TenantID: otherTenant}},
			session:  "sess-1",
			path:     "/api/queue?tenant_id=" + testTenantID,
			wantCode: http.StatusForbidden,
		},
		{
			name:     "matching tenant passes",
			resolver: staticResolver{session: Session{TenantID: testTenantID}},
			session:  "sess-1",
			path:     "/api/queue?tenant_id=" + testTenantID,
			wantCode: http.StatusOK,
		},
		{
			name:     "open resolver skips auth",
			resolver: OpenResolver{},
			path:     "/api/queue?tenant_id=" + testTenantID,
			wantCode: http.StatusOK,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := AuthMiddleware(tc.resolver, handler)
			method := http.MethodGet
			var body *strings.Reader
			if tc.body != "" {
				method = http.MethodPost
				body = strings.NewReader(tc.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(method, tc.path, body)
			if tc.session != "" {
				req.Header.Set("Authorization", "Bearer "+tc.session)
			}
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantCode, rec.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := bearerToken(tc.header); got != tc.want {
			t.Fatalf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
