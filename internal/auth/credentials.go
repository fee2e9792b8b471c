// Package auth holds the credentials used to authenticate EWS requests.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

var (
	// ErrAuthentication is returned when credentials could not be obtained,
	// including after retries.
	ErrAuthentication = errors.New("authentication failed")
	// ErrURLMismatch is returned by Validate when the credentials were issued
	// for another endpoint.
	ErrURLMismatch = errors.New("credentials do not match endpoint")
)

// Credentials is one of *Basic, *OAuth2 or *NTLM.
type Credentials interface {
	// AuthorizationHeader returns the Authorization header value, or false
	// when the scheme does not use one.
	AuthorizationHeader(ctx context.Context) (string, bool, error)
	// Validate checks that the credentials belong to endpoint.
	Validate(endpoint string) error
	isCredentials()
}

// Basic authenticates with HTTP basic auth.
type Basic struct {
	Username string
	Password string
	Endpoint string
}

func (b *Basic) AuthorizationHeader(_ context.Context) (string, bool, error) {
	raw := b.Username + ":" + b.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), true, nil
}

func (b *Basic) Validate(endpoint string) error { return sameEndpoint(b.Endpoint, endpoint) }

// NTLM authenticates with an NTLM handshake performed by the transport. It
// has no static Authorization header.
type NTLM struct {
	Username string
	Password string
	Endpoint string
}

func (n *NTLM) AuthorizationHeader(_ context.Context) (string, bool, error) {
	return "", false, nil
}

func (n *NTLM) Validate(endpoint string) error { return sameEndpoint(n.Endpoint, endpoint) }

// OAuth2 authenticates with a bearer token from a token source. Token
// retrieval is retried with exponential backoff before giving up.
type OAuth2 struct {
	Endpoint string
	// MaxRetries bounds retrieval attempts after the first failure.
	MaxRetries uint64
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration

	mu     sync.Mutex
	base   oauth2.TokenSource
	cached oauth2.TokenSource
}

// NewOAuth2 wraps src, caching tokens until they expire.
func NewOAuth2(src oauth2.TokenSource, endpoint string) *OAuth2 {
	return &OAuth2{
		Endpoint:        endpoint,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		base:            src,
		cached:          oauth2.ReuseTokenSource(nil, src),
	}
}

func (o *OAuth2) source() oauth2.TokenSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cached
}

// Invalidate drops the cached token so the next request fetches a new one.
func (o *OAuth2) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cached = oauth2.ReuseTokenSource(nil, o.base)
}

func (o *OAuth2) AuthorizationHeader(ctx context.Context) (string, bool, error) {
	src := o.source()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.InitialInterval
	var tok *oauth2.Token
	err := backoff.Retry(func() error {
		t, err := src.Token()
		if err != nil {
			return err
		}
		if t.AccessToken == "" {
			return backoff.Permanent(errors.New("token source returned an empty access token"))
		}
		tok = t
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, o.MaxRetries), ctx))
	if err != nil {
		return "", false, fmt.Errorf("%w: oauth2 token: %v", ErrAuthentication, err)
	}
	return tok.Type() + " " + tok.AccessToken, true, nil
}

func (o *OAuth2) Validate(endpoint string) error { return sameEndpoint(o.Endpoint, endpoint) }

func (*Basic) isCredentials()  {}
func (*NTLM) isCredentials()   {}
func (*OAuth2) isCredentials() {}

func sameEndpoint(want, got string) error {
	a, err := url.Parse(strings.TrimSpace(want))
	if err != nil {
		return fmt.Errorf("parse credentials endpoint: %w", err)
	}
	b, err := url.Parse(strings.TrimSpace(got))
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) || !strings.EqualFold(a.Host, b.Host) ||
		strings.TrimSuffix(a.Path, "/") != strings.TrimSuffix(b.Path, "/") {
		return fmt.Errorf("%w: issued for %s, used with %s", ErrURLMismatch, want, got)
	}
	return nil
}
