package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	token, err := m.GenerateToken("user-1", "dev@example.com", "admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := m.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "dev@example.com" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-a", time.Hour).GenerateToken("u", "e", "r")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := NewManager("secret-b", time.Hour).ParseToken(token); err == nil {
		t.Error("token signed with another secret must be rejected")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	token, err := NewManager("secret", -time.Hour).GenerateToken("u", "e", "r")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := NewManager("secret", time.Hour).ParseToken(token); err == nil {
		t.Error("expired token must be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	m := NewManager("secret", time.Hour)
	var gotClaims *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := m.Middleware("/health")(next)

	// Unauthenticated request to a protected path.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/invoices", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	// Skipped path passes without a token.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("skipped path: status = %d, want 200", rec.Code)
	}

	// Valid bearer token passes and exposes claims.
	token, _ := m.GenerateToken("user-1", "dev@example.com", "user")
	req := httptest.NewRequest("GET", "/api/invoices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
	if gotClaims == nil || gotClaims.UserID != "user-1" {
		t.Errorf("claims not propagated: %+v", gotClaims)
	}

	// Garbage token is rejected.
	req = httptest.NewRequest("GET", "/api/invoices", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "hunter3") {
		t.Error("wrong password accepted")
	}
}
