// Package oauth exchanges refresh tokens for new access tokens.
package oauth

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/supporttools/GoBackupGuard/pkg/metrics"
)

// ErrNoRefreshToken means the credential cannot be refreshed
var ErrNoRefreshToken = errors.New("no refresh token configured")

// Credentials identifies an OAuth client and its long-lived refresh token
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

// Refresher exchanges the refresh token against the token endpoint
type Refresher struct {
	provider   string
	creds      Credentials
	httpClient *http.Client
}

// NewRefresher creates a refresher for provider. httpClient may be nil.
func NewRefresher(provider string, creds Credentials, httpClient *http.Client) *Refresher {
	return &Refresher{provider: provider, creds: creds, httpClient: httpClient}
}

// CanRefresh reports whether a refresh token is configured
func (r *Refresher) CanRefresh() bool {
	return r != nil && r.creds.RefreshToken != ""
}

// Refresh obtains a new access token
func (r *Refresher) Refresh(ctx context.Context) (*oauth2.Token, error) {
	if !r.CanRefresh() {
		return nil, ErrNoRefreshToken
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	conf := &oauth2.Config{
		ClientID:     r.creds.ClientID,
		ClientSecret: r.creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.creds.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	// an already-expired token forces the source to hit the endpoint
	token, err := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: r.creds.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}).Token()
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(r.provider, "error").Inc()
		return nil, errors.Wrapf(err, "%s token refresh failed", r.provider)
	}
	if token.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues(r.provider, "error").Inc()
		return nil, errors.Errorf("%s token refresh returned no access token", r.provider)
	}

	// some endpoints omit the refresh token on refresh; keep ours
	if token.RefreshToken != "" {
		r.creds.RefreshToken = token.RefreshToken
	}
	metrics.TokenRefreshes.WithLabelValues(r.provider, "success").Inc()
	return token, nil
}
