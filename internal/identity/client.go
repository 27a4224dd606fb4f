// Package identity wraps the hosted platform's auth API.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chat-sync/internal/faults"
	"chat-sync/internal/models"
)

// Provider resolves the current user from an access token.
type Provider interface {
	CurrentUser(ctx context.Context, accessToken string) (models.User, error)
}

// Client talks to the identity provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient constructs the wrapper.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CurrentUser validates the access token and returns the authenticated user.
// An invalid or expired token yields faults.ErrUnauthenticated.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (models.User, error) {
	if accessToken == "" {
		return models.User{}, faults.ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return models.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.User{}, faults.Network("auth lookup", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.User{}, faults.ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return models.User{}, faults.Network("auth lookup", fmt.Errorf("status %d", resp.StatusCode))
	}

	var user models.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return models.User{}, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return models.User{}, faults.ErrUnauthenticated
	}
	return user, nil
}
