package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/branchtalk/internal/auth"
)

func authedHandler(t *testing.T, gotUserID *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotUserID = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTAuthBearerHeader(t *testing.T) {
	secret := []byte("test-secret")
	token, err := auth.IssueToken(secret, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	var gotUserID string
	h := JWTAuth(secret)(authedHandler(t, &gotUserID))

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUserID != "user-1" {
		t.Errorf("GetUserID() = %q, want user-1", gotUserID)
	}
}

func TestJWTAuthQueryToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := auth.IssueToken(secret, "user-2", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	var gotUserID string
	h := JWTAuth(secret)(authedHandler(t, &gotUserID))

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUserID != "user-2" {
		t.Errorf("GetUserID() = %q, want user-2", gotUserID)
	}
}

func TestJWTAuthRejects(t *testing.T) {
	secret := []byte("test-secret")
	h := JWTAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without valid token")
	}))

	cases := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"no token", func(r *http.Request) {}},
		{"garbage token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer not.a.jwt") }},
		{"wrong secret", func(r *http.Request) {
			token, _ := auth.IssueToken([]byte("other-secret"), "user-1", time.Minute)
			r.Header.Set("Authorization", "Bearer "+token)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}
