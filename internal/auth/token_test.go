package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	sub, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if sub != "user-1" {
		t.Fatalf("subject = %q, want %q", sub, "user-1")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err == nil {
		t.Fatal("expected ParseToken() to fail for expired token")
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret-a"), "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("secret-b"), issued); err == nil {
		t.Fatal("expected ParseToken() to fail for wrong secret")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken([]byte("secret"), "not-a-token"); err == nil {
		t.Fatal("expected ParseToken() to fail for malformed token")
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Fatal("CheckPassword() should accept the original password")
	}
	if CheckPassword(hash, "hunter3") {
		t.Fatal("CheckPassword() should reject a wrong password")
	}
}
