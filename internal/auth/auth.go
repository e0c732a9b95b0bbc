// Package auth is the boundary to the identity provider. The channel and
// sync layers only see a Bridge; they never read credentials themselves.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// ErrUnavailable means there is no signed-in user or no credential could be
// obtained. Connecting is deferred, not abandoned.
var ErrUnavailable = errors.New("auth unavailable")

// Bridge supplies the current identity and short-lived credentials.
type Bridge interface {
	// CurrentUserID returns the signed-in user, best effort.
	CurrentUserID() (string, bool)
	// FreshToken returns a usable credential. force skips any cached token.
	FreshToken(ctx context.Context, force bool) (string, error)
}

// OAuth2Bridge obtains access tokens through the OAuth2 refresh-token grant.
type OAuth2Bridge struct {
	cfg    *oauth2.Config
	userID string

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewOAuth2Bridge creates a bridge for userID that refreshes access tokens
// against cfg's token endpoint starting from refreshToken.
func NewOAuth2Bridge(cfg *oauth2.Config, userID, refreshToken string) *OAuth2Bridge {
	b := &OAuth2Bridge{cfg: cfg, userID: userID}
	if refreshToken != "" {
		b.tok = &oauth2.Token{RefreshToken: refreshToken}
	}
	return b
}

// CurrentUserID implements Bridge.
func (b *OAuth2Bridge) CurrentUserID() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userID == "" || b.tok == nil {
		return "", false
	}
	return b.userID, true
}

// FreshToken implements Bridge.
func (b *OAuth2Bridge) FreshToken(ctx context.Context, force bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tok == nil {
		return "", ErrUnavailable
	}

	seed := b.tok
	if force {
		// Without an access token the source has to hit the token endpoint.
		seed = &oauth2.Token{RefreshToken: b.tok.RefreshToken}
	}
	tok, err := b.cfg.TokenSource(ctx, seed).Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	b.tok = tok
	return tok.AccessToken, nil
}

// SignOut drops the stored credential. Later calls report ErrUnavailable.
func (b *OAuth2Bridge) SignOut() {
	b.mu.Lock()
	b.tok = nil
	b.mu.Unlock()
}

// StaticBridge serves a fixed identity and token.
type StaticBridge struct {
	UserID string
	Token  string
}

// CurrentUserID implements Bridge.
func (s StaticBridge) CurrentUserID() (string, bool) {
	return s.UserID, s.UserID != ""
}

// FreshToken implements Bridge.
func (s StaticBridge) FreshToken(context.Context, bool) (string, error) {
	if s.Token == "" {
		return "", ErrUnavailable
	}
	return s.Token, nil
}
