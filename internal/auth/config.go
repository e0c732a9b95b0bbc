package auth

import (
	"github.com/matheus3301/chatsync/internal/config"
	"golang.org/x/oauth2"
)

// FromConfig builds the bridge described by the account and auth sections.
func FromConfig(cfg *config.Config) Bridge {
	if cfg.Auth.StaticToken != "" {
		return StaticBridge{UserID: cfg.Account.UserID, Token: cfg.Auth.StaticToken}
	}
	oc := &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.Auth.TokenURL},
	}
	return NewOAuth2Bridge(oc, cfg.Account.UserID, cfg.Auth.RefreshToken)
}
