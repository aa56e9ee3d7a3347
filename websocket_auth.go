package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"campfire/engine/internal/auth"
	"campfire/engine/internal/world"
)

// identity is who a websocket connection plays as.
type identity struct {
	PlayerID world.PlayerID
	Name     string
}

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (identity, error)
}

// anonymousAuthenticator trusts the requested player id, or mints one.
type anonymousAuthenticator struct{}

func (anonymousAuthenticator) Authenticate(r *http.Request) (identity, error) {
	id := strings.TrimSpace(r.URL.Query().Get("player_id"))
	if id == "" {
		id = uuid.NewString()
	}
	return identity{PlayerID: world.PlayerID(id), Name: strings.TrimSpace(r.URL.Query().Get("name"))}, nil
}

type jwtWebsocketAuthenticator struct {
	verifier *auth.TokenVerifier
}

func newJWTWebsocketAuthenticator(verifier *auth.TokenVerifier) websocketAuthenticator {
	return &jwtWebsocketAuthenticator{verifier: verifier}
}

func newTokenVerifier(secret string) (*auth.TokenVerifier, error) {
	return auth.NewTokenVerifier(secret, 2*time.Second)
}

// Authenticate validates the incoming token and returns the player it names.
func (a *jwtWebsocketAuthenticator) Authenticate(r *http.Request) (identity, error) {
	if a == nil || a.verifier == nil {
		return identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		if header := strings.TrimSpace(r.Header.Get("Authorization")); len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			token = strings.TrimSpace(header[7:])
		}
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return identity{}, errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return identity{}, err
	}
	return identity{PlayerID: world.PlayerID(claims.PlayerID), Name: claims.Name}, nil
}
