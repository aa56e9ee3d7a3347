// Package auth issues and verifies the player tokens presented by realtime clients.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

const issuer = "campfire-engine"

// PlayerClaims identifies the player a connection acts for.
type PlayerClaims struct {
	PlayerID  string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type playerClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// TokenVerifier validates HS256 player tokens signed with a shared secret.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewTokenVerifier(secret string, leeway time.Duration) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *TokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// Issue signs a token for player valid for ttl.
func (v *TokenVerifier) Issue(playerID, name string, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return "", errors.New("player id must not be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %v", ttl)
	}
	now := v.now()
	claims := playerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: strings.TrimSpace(name),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses the token and validates the signature and expiry, returning the embedded claims.
func (v *TokenVerifier) Verify(token string) (PlayerClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return PlayerClaims{}, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return PlayerClaims{}, ErrInvalidToken
	}

	//1.- Check the signature and registered claims against the injected clock.
	var parsed playerClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return PlayerClaims{}, ErrExpiredToken
		}
		return PlayerClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	//2.- Require a player subject; the display name is optional.
	if strings.TrimSpace(parsed.Subject) == "" {
		return PlayerClaims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	claims := PlayerClaims{
		PlayerID:  parsed.Subject,
		Name:      parsed.Name,
		ExpiresAt: parsed.ExpiresAt.Time,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	return claims, nil
}
