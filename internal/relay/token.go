package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenProvider supplies the bearer token presented to the relay.
// A zero expiry means the token does not expire.
type TokenProvider interface {
	BearerToken(ctx context.Context) (token string, expiry time.Time, err error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, time.Time, error)

func (f TokenProviderFunc) BearerToken(ctx context.Context) (string, time.Time, error) {
	return f(ctx)
}

// StaticToken is a fixed, non-expiring bearer token.
type StaticToken string

func (t StaticToken) BearerToken(context.Context) (string, time.Time, error) {
	if t == "" {
		return "", time.Time{}, errors.New("empty static token")
	}
	return string(t), time.Time{}, nil
}

type oauth2Provider struct {
	ts oauth2.TokenSource
}

// OAuth2TokenProvider serves tokens from ts, caching them until shortly before expiry.
func OAuth2TokenProvider(ts oauth2.TokenSource) TokenProvider {
	return &oauth2Provider{ts: oauth2.ReuseTokenSource(nil, ts)}
}

func (p *oauth2Provider) BearerToken(ctx context.Context) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}
	tok, err := p.ts.Token()
	if err != nil {
		return "", time.Time{}, err
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, errors.New("received empty access token")
	}
	return tok.AccessToken, tok.Expiry, nil
}

func fetchToken(ctx context.Context, p TokenProvider) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: no token provider configured", ErrAuthentication)
	}
	tok, expiry, err := p.BearerToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthentication)
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		return "", fmt.Errorf("%w: token expired at %s", ErrAuthentication, expiry.Format(time.RFC3339))
	}
	return tok, nil
}
