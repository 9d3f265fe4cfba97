package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer is subtracted from the token lifetime so a token is not
// used right before it expires.
const tokenExpiryBuffer = 5 * time.Minute

// defaultScope requests the application permissions granted to the client.
const defaultScope = "https://graph.microsoft.com/.default"

// clientCredentials identifies the app registration used for the OAuth2
// client credentials grant.
type clientCredentials struct {
	tokenURL string
	clientID string
	secret   string
	scope    string
}

func (c clientCredentials) form() url.Values {
	return url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
		"scope":         {c.scope},
	}
}

// tokenError is a failure reported by the token endpoint.
type tokenError struct {
	statusCode  int
	code        string
	description string
}

func (e *tokenError) Error() string {
	if e.code == "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.statusCode, e.description)
	}
	return fmt.Sprintf("token endpoint returned %d: %s: %s", e.statusCode, e.code, e.description)
}

// tokenCache holds one access token and refreshes it on expiry or
// rejection. Safe for concurrent use; concurrent callers share a single
// refresh.
type tokenCache struct {
	creds      clientCredentials
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	current   string
	expiresAt time.Time
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		creds: clientCredentials{
			tokenURL: tokenURL,
			clientID: clientID,
			secret:   clientSecret,
			scope:    defaultScope,
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns the cached token, acquiring a new one if it is missing or
// about to expire.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.current != "" && tc.now().Before(tc.expiresAt) {
		return tc.current, nil
	}
	return tc.refresh(ctx)
}

// Reject reports that the API refused stale with 401 and returns a
// replacement. If another caller already replaced stale, its token is
// returned without a new request.
func (tc *tokenCache) Reject(ctx context.Context, stale string) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.current != "" && tc.current != stale && tc.now().Before(tc.expiresAt) {
		return tc.current, nil
	}
	tc.current = ""
	return tc.refresh(ctx)
}

// refresh requests a token. The caller must hold tc.mu.
func (tc *tokenCache) refresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.creds.tokenURL, strings.NewReader(tc.creds.form().Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	var tr tokenResponse
	jsonErr := json.Unmarshal(body, &tr)
	if resp.StatusCode != http.StatusOK {
		te := &tokenError{statusCode: resp.StatusCode, code: tr.Error, description: tr.ErrorDescription}
		if jsonErr != nil || te.code == "" {
			te.description = strings.TrimSpace(string(body))
		}
		return "", te
	}
	if jsonErr != nil {
		return "", fmt.Errorf("failed to parse token response: %w", jsonErr)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	tc.current = tr.AccessToken
	tc.expiresAt = tc.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return tc.current, nil
}
