package pool

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	oauthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret = "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"

	// refreshSkew refreshes tokens slightly before their expiry so in-flight
	// requests never race the deadline.
	refreshSkew = 2 * time.Minute
)

// EnsureAccessToken returns a valid access token for the account at index,
// refreshing it through the OAuth token endpoint when expired or missing.
// The refresh round-trip runs outside the pool lock; only the result is
// written back via UpdateToken.
func (m *Manager) EnsureAccessToken(ctx context.Context, index int, httpClient *http.Client) (string, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.Unlock()
		return "", fmt.Errorf("pool: account %d not found", index)
	}
	acc := m.accounts[index]
	accessToken := acc.AccessToken
	refreshToken := acc.RefreshToken
	expiresAt := acc.ExpiresAt
	m.mu.Unlock()

	if accessToken != "" && expiresAt.After(time.Now().Add(refreshSkew)) {
		return accessToken, nil
	}
	if strings.TrimSpace(refreshToken) == "" {
		return "", fmt.Errorf("pool: account %d has no refresh token", index)
	}

	conf := &oauth2.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		Endpoint:     google.Endpoint,
	}
	tokenCtx := ctx
	if httpClient != nil {
		tokenCtx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	src := conf.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("pool: token refresh failed: %w", err)
	}

	m.UpdateToken(index, tok.AccessToken, tok.Expiry)
	log.Debugf("pool: refreshed token for account %d, expires %s", index, tok.Expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}
