package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token. It implements
// oauth2.TokenSource; the zero value plus ClientID and ClientSecret is ready to use.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL string

	once sync.Once
	src  oauth2.TokenSource
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

func (ts *TokenSource) init() {
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = twitch.Endpoint.TokenURL
	}
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.Background()
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	// clientcredentials already wraps its source in oauth2.ReuseTokenSource.
	ts.src = cfg.TokenSource(ctx)
}

// Token implements oauth2.TokenSource.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	ts.once.Do(ts.init)
	tok, err := ts.src.Token()
	if err != nil {
		return nil, fmt.Errorf("twitch token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return tok, nil
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
