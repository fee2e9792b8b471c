package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/joshsymonds/ewssync/internal/auth"
	"github.com/joshsymonds/ewssync/internal/config"
)

// NewCredentials builds the credentials selected by cfg.Auth. OAuth2 uses the
// refresh-token grant when a refresh token is configured and the client
// credentials grant otherwise.
func NewCredentials(ctx context.Context, cfg *config.Config) (auth.Credentials, error) {
	switch strings.ToLower(cfg.Auth) {
	case config.AuthBasic:
		return &auth.Basic{Username: cfg.Username, Password: cfg.Password, Endpoint: cfg.URL}, nil
	case config.AuthNTLM:
		return &auth.NTLM{Username: cfg.Username, Password: cfg.Password, Endpoint: cfg.URL}, nil
	case config.AuthOAuth2:
		var src oauth2.TokenSource
		if cfg.OAuthRefreshToken != "" {
			oc := &oauth2.Config{
				ClientID:     cfg.OAuthClientID,
				ClientSecret: cfg.OAuthClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
				Scopes:       cfg.Scopes(),
			}
			src = oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.OAuthRefreshToken})
		} else {
			cc := &clientcredentials.Config{
				ClientID:     cfg.OAuthClientID,
				ClientSecret: cfg.OAuthClientSecret,
				TokenURL:     cfg.OAuthTokenURL,
				Scopes:       cfg.Scopes(),
			}
			src = cc.TokenSource(ctx)
		}
		return auth.NewOAuth2(src, cfg.URL), nil
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", cfg.Auth)
	}
}

func DefaultLogger() *slog.Logger {
	return NewLogger(slog.LevelInfo)
}

// NewLogger returns a text logger on stderr at level.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
