package config

import (
	"log/slog"
	"testing"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnvSet(env.EnvSet{
		"EWS_URL":      "https://mail.example.com/EWS/Exchange.asmx",
		"EWS_USERNAME": "user@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, AuthBasic, cfg.Auth)
	require.Equal(t, 2, cfg.Runners)
	require.Equal(t, 4, cfg.RPS)
	require.Equal(t, "Exchange2013", cfg.ServerVersion)
	require.Equal(t, []string{"https://outlook.office365.com/.default"}, cfg.Scopes())
	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, lvl)
}

func TestOAuth2(t *testing.T) {
	cfg, err := FromEnvSet(env.EnvSet{
		"EWS_URL":             "https://outlook.office365.com/EWS/Exchange.asmx",
		"EWS_AUTH":            "oauth2",
		"EWS_OAUTH_CLIENT_ID": "client",
		"EWS_OAUTH_TOKEN_URL": "https://login.example.com/token",
		"EWS_OAUTH_SCOPES":    "EWS.AccessAsUser.All, offline_access",
		"EWS_RUNNERS":         "8",
		"EWS_LOG_LEVEL":       "debug",
	})
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Runners)
	require.Equal(t, []string{"EWS.AccessAsUser.All", "offline_access"}, cfg.Scopes())
	lvl, _ := cfg.Level()
	require.Equal(t, slog.LevelDebug, lvl)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		es   env.EnvSet
	}{
		{name: "bad-url", es: env.EnvSet{"EWS_URL": "mail.example.com", "EWS_USERNAME": "u"}},
		{name: "no-username", es: env.EnvSet{"EWS_URL": "https://mail.example.com/EWS/Exchange.asmx"}},
		{name: "unknown-auth", es: env.EnvSet{"EWS_URL": "https://mail.example.com/EWS/Exchange.asmx", "EWS_AUTH": "kerberos"}},
		{name: "oauth-missing", es: env.EnvSet{"EWS_URL": "https://mail.example.com/EWS/Exchange.asmx", "EWS_AUTH": "oauth2"}},
		{name: "no-runners", es: env.EnvSet{"EWS_URL": "https://mail.example.com/EWS/Exchange.asmx", "EWS_USERNAME": "u", "EWS_RUNNERS": "0"}},
		{name: "bad-level", es: env.EnvSet{"EWS_URL": "https://mail.example.com/EWS/Exchange.asmx", "EWS_USERNAME": "u", "EWS_LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromEnvSet(tc.es)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestMissingURL(t *testing.T) {
	_, err := FromEnvSet(env.EnvSet{"EWS_USERNAME": "u"})
	require.Error(t, err)
}
