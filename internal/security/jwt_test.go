package security

import (
	"errors"
	"testing"
	"time"
)

func TestUserTokenRoundTrip(t *testing.T) {
	token, errSign := GenerateUserToken("secret", "user-123", "a@example.com", time.Hour)
	if errSign != nil {
		t.Fatalf("sign: %v", errSign)
	}
	claims, errParse := ParseUserToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.UserID() != "user-123" || claims.Email != "a@example.com" {
		t.Fatalf("claims = %+v", claims)
	}
	if _, errParse := ParseUserToken("other", token); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("wrong secret err = %v", errParse)
	}
}

func TestExpiredTokenIsReported(t *testing.T) {
	token, errSign := GenerateAdminToken("secret", 1, "ops", -time.Minute)
	if errSign != nil {
		t.Fatalf("sign: %v", errSign)
	}
	if _, errParse := ParseAdminToken("secret", token); !errors.Is(errParse, ErrExpiredToken) {
		t.Fatalf("err = %v, want expired", errParse)
	}
}

func TestUserTokenIsNotAnAdminToken(t *testing.T) {
	token, errSign := GenerateUserToken("secret", "user-123", "", time.Hour)
	if errSign != nil {
		t.Fatalf("sign: %v", errSign)
	}
	if _, errParse := ParseAdminToken("secret", token); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("err = %v, want invalid", errParse)
	}
}

func TestCheckPassword(t *testing.T) {
	hash, errHash := HashPassword("hunter2")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	if !CheckPassword(hash, "hunter2") || CheckPassword(hash, "hunter3") {
		t.Fatal("password check mismatch")
	}
	if _, errHash := HashPassword(""); !errors.Is(errHash, ErrEmptyPassword) {
		t.Fatalf("err = %v", errHash)
	}
}
