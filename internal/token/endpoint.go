package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/spotify"
)

// CredentialFunc returns the application-level credential used to ask the
// backend for a playback token. ok is false when the user is not signed in.
type CredentialFunc func(ctx context.Context) (credential string, ok bool)

// StaticCredential returns a CredentialFunc that always supplies credential.
// An empty credential is reported as absent.
func StaticCredential(credential string) CredentialFunc {
	return func(context.Context) (string, bool) {
		return credential, credential != ""
	}
}

// BackendEndpoint obtains playback tokens from the application backend's
// token route, which answers with {"access_token": ..., "expires_in": ...}.
type BackendEndpoint struct {
	URL        string
	Credential CredentialFunc
	Client     *http.Client
}

// FetchToken requests a token from the backend. A missing credential, or a
// 401/403 from the backend, is reported as ErrNotAuthenticated.
func (b *BackendEndpoint) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	credential, ok := "", false
	if b.Credential != nil {
		credential, ok = b.Credential(ctx)
	}
	if !ok {
		return nil, ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("token endpoint returned status %d: %w", resp.StatusCode, ErrNotAuthenticated)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tok oauth2.Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("could not decode token response: %w", err)
	}

	return &tok, nil
}

// RefreshEndpoint runs the OAuth refresh-token grant directly against the
// provider. When the provider rotates the refresh token, the new one is used
// for subsequent refreshes.
type RefreshEndpoint struct {
	config *oauth2.Config
	client *http.Client

	mu           sync.Mutex
	refreshToken string
}

// NewRefreshEndpoint creates an endpoint for the given client credentials.
// An empty tokenURL selects the provider's default token URL.
func NewRefreshEndpoint(clientID, clientSecret, refreshToken, tokenURL string, client *http.Client) *RefreshEndpoint {
	endpoint := spotify.Endpoint
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}

	return &RefreshEndpoint{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		client:       client,
		refreshToken: refreshToken,
	}
}

// FetchToken exchanges the current refresh token for a new access token.
func (r *RefreshEndpoint) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	r.mu.Lock()
	refreshToken := r.refreshToken
	r.mu.Unlock()

	if refreshToken == "" {
		return nil, ErrNotAuthenticated
	}

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == http.StatusBadRequest || retrieveErr.Response.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("refresh token rejected: %w", ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("refresh token grant failed: %w", err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		r.mu.Lock()
		r.refreshToken = tok.RefreshToken
		r.mu.Unlock()
		log.Info().Msg("token: provider rotated the refresh token")
	}

	return tok, nil
}
