// Package config loads ews-sync settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Netflix/go-env"
)

// Supported values of EWS_AUTH.
const (
	AuthBasic  = "basic"
	AuthNTLM   = "ntlm"
	AuthOAuth2 = "oauth2"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	URL               string `env:"EWS_URL,required=true"`
	Auth              string `env:"EWS_AUTH,default=basic"`
	Username          string `env:"EWS_USERNAME"`
	Password          string `env:"EWS_PASSWORD"`
	OAuthClientID     string `env:"EWS_OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"EWS_OAUTH_CLIENT_SECRET"`
	OAuthTokenURL     string `env:"EWS_OAUTH_TOKEN_URL"`
	OAuthScopes       string `env:"EWS_OAUTH_SCOPES,default=https://outlook.office365.com/.default"`
	OAuthRefreshToken string `env:"EWS_OAUTH_REFRESH_TOKEN"`
	// ServerVersion is requested until the server reports its own.
	ServerVersion  string `env:"EWS_SERVER_VERSION,default=Exchange2013"`
	Runners        int    `env:"EWS_RUNNERS,default=2"`
	RPS            int    `env:"EWS_RPS,default=4"`
	StorePath      string `env:"EWS_STORE_PATH"`
	LogLevel       string `env:"EWS_LOG_LEVEL,default=info"`
	MetricsAddress string `env:"EWS_METRICS_ADDRESS"`
}

// NewConfig reads the process environment.
func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// FromEnvSet reads es instead of the process environment.
func FromEnvSet(es env.EnvSet) (*Config, error) {
	var config Config
	if err := env.Unmarshal(es, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: EWS_URL %q is not an http(s) URL", ErrInvalid, c.URL)
	}
	switch strings.ToLower(c.Auth) {
	case AuthBasic, AuthNTLM:
		if c.Username == "" {
			return fmt.Errorf("%w: EWS_USERNAME is required for %s auth", ErrInvalid, c.Auth)
		}
	case AuthOAuth2:
		if c.OAuthClientID == "" || c.OAuthTokenURL == "" {
			return fmt.Errorf("%w: EWS_OAUTH_CLIENT_ID and EWS_OAUTH_TOKEN_URL are required for oauth2 auth", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown EWS_AUTH %q", ErrInvalid, c.Auth)
	}
	if c.Runners <= 0 {
		return fmt.Errorf("%w: EWS_RUNNERS must be positive", ErrInvalid)
	}
	if c.RPS < 0 {
		return fmt.Errorf("%w: EWS_RPS must not be negative", ErrInvalid)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: EWS_LOG_LEVEL: %v", ErrInvalid, err)
	}
	return nil
}

// Scopes splits EWS_OAUTH_SCOPES on commas and whitespace.
func (c *Config) Scopes() []string {
	return strings.FieldsFunc(c.OAuthScopes, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

// Level parses EWS_LOG_LEVEL (debug, info, warn, error).
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl, err
}
