// Package authapi is the HTTP client for the auth server's refresh and
// validation endpoints. It satisfies the interfaces the fallback chain and
// conflict resolver declare.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/transport"
)

// Client talks to the application's auth server.
type Client struct {
	baseURL      string
	refreshPath  string
	validatePath string
	httpClient   *http.Client
}

// NewClient creates an auth API client.
func NewClient(baseURL, refreshPath, validatePath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		refreshPath:  refreshPath,
		validatePath: validatePath,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.refreshPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transport.FromHTTP(nil, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transport.FromHTTP(resp, fmt.Errorf("refresh rejected: %s", resp.Status))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return &domain.TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    out.ExpiresAt,
	}, nil
}

// Validate confirms a session snapshot against the server. A 401/403
// answer means the session is invalid; transport failures are returned as
// errors so callers can tell "rejected" from "unreachable".
func (c *Client) Validate(ctx context.Context, s *domain.SessionData) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.validatePath, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, transport.FromHTTP(nil, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, transport.FromHTTP(resp, fmt.Errorf("validation failed: %s", resp.Status))
	}
}
