package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"clouddav/internal/remote/rest"
)

// OAuth2Refresher performs a standard refresh_token grant.
type OAuth2Refresher struct {
	Config     *oauth2.Config
	HTTPClient *http.Client
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	t, err := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}, nil
}

// NewOAuth2Config builds the client configuration for a provider endpoint.
func NewOAuth2Config(clientID, clientSecret string, endpoint oauth2.Endpoint, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// RelayRefresher delegates the exchange to an operator-run relay that holds
// the client secret: GET <URL>?refresh_token=... returns the usual token JSON.
type RelayRefresher struct {
	URL        string
	HTTPClient *http.Client
}

type relayResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	Description  string `json:"error_description"`
}

func (r *RelayRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	c := rest.New("relay", "", r.HTTPClient, nil)

	var out relayResponse
	_, err := c.JSON(ctx, rest.Request{
		Op:    "refresh",
		URL:   r.URL,
		Query: url.Values{"refresh_token": {refreshToken}},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("relay: %s: %s", out.Error, out.Description)
	}
	return &Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    out.ExpiresIn,
	}, nil
}
