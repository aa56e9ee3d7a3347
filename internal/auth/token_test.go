package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenVerifierRoundTrip(t *testing.T) {
	verifier, err := NewTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	fixedNow := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return fixedNow })

	token, err := verifier.Issue("p-7", "Ember", 30*time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.PlayerID != "p-7" || claims.Name != "Ember" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.After(fixedNow) {
		t.Fatal("expected expiry in the future")
	}
}

func TestTokenVerifierRejectsExpiredToken(t *testing.T) {
	verifier, err := NewTokenVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token, err := verifier.Issue("p-7", "", time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	//1.- Move the clock past the expiry.
	now = now.Add(5 * time.Second)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestTokenVerifierRejectsInvalidSignature(t *testing.T) {
	issuerSide, _ := NewTokenVerifier("other-secret", 0)
	verifier, _ := NewTokenVerifier("secret", 0)
	token, err := issuerSide.Issue("p-7", "", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenVerifierRejectsForeignClaims(t *testing.T) {
	verifier, _ := NewTokenVerifier("secret", 0)
	cases := map[string]jwt.Claims{
		"no expiry":    jwt.RegisteredClaims{Issuer: issuer, Subject: "p-7"},
		"wrong issuer": jwt.RegisteredClaims{Issuer: "elsewhere", Subject: "p-7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		"no subject":   jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}
	for name, claims := range cases {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewTokenVerifierRequiresSecret(t *testing.T) {
	if _, err := NewTokenVerifier("  ", 0); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
	verifier, _ := NewTokenVerifier("secret", 0)
	if _, err := verifier.Issue("", "", time.Minute); err == nil {
		t.Fatal("expected empty player id to be rejected")
	}
}
