package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")

	token, err := IssueToken(secret, "usr_1", "Avery", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.Subject != "usr_1" {
		t.Errorf("expected subject usr_1, got %s", claims.Subject)
	}
	if claims.Name != "Avery" {
		t.Errorf("expected name Avery, got %s", claims.Name)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), "usr_1", "Avery", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken([]byte("secret-b"), token); err == nil {
		t.Error("expected error for wrong secret, got nil")
	}
}

func TestParseTokenExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, "usr_1", "Avery", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, token); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestParseTokenGarbage(t *testing.T) {
	if _, err := ParseToken([]byte("test-secret"), "not.a.token"); err == nil {
		t.Error("expected error for malformed token, got nil")
	}
}
