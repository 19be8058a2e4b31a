package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteClient talks to the external identity service. It implements both
// Verifier (POST /cli/validate) and Refresher (POST /cli/refresh).
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
}

// RemoteConfig holds configuration for the identity service client.
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewRemoteClient creates an identity service client.
func NewRemoteClient(cfg RemoteConfig) *RemoteClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RemoteClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type validateResponse struct {
	Valid     bool   `json:"valid"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	Error        string `json:"error,omitempty"`
}

// Verify implements Verifier against POST /cli/validate.
func (c *RemoteClient) Verify(ctx context.Context, token string) (Identity, time.Time, error) {
	var resp validateResponse
	err := c.post(ctx, "/cli/validate", map[string]string{"token": token}, &resp)
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("identity service validate: %w", err)
	}
	if !resp.Valid || resp.UserID == "" {
		return Identity{}, time.Time{}, ErrInvalidToken
	}
	expiry := time.Unix(resp.ExpiresAt, 0)
	if resp.ExpiresAt != 0 && time.Now().After(expiry) {
		return Identity{}, time.Time{}, ErrTokenExpired
	}
	return Identity{UserID: resp.UserID, Email: resp.Email, Role: resp.Role}, expiry, nil
}

// Refresh implements Refresher against POST /cli/refresh. When refreshToken
// is empty the current access token is submitted instead.
func (c *RemoteClient) Refresh(ctx context.Context, refreshToken, accessToken string) (TokenPair, error) {
	body := map[string]string{}
	if refreshToken != "" {
		body["refresh_token"] = refreshToken
	} else {
		body["access_token"] = accessToken
	}

	var resp refreshResponse
	if err := c.post(ctx, "/cli/refresh", body, &resp); err != nil {
		return TokenPair{}, fmt.Errorf("identity service refresh: %w", err)
	}
	if resp.Error != "" {
		return TokenPair{}, fmt.Errorf("identity service refresh: %s", resp.Error)
	}
	if resp.AccessToken == "" {
		return TokenPair{}, ErrInvalidToken
	}

	return TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// Revoke invalidates a token at the identity service (POST /cli/revoke).
func (c *RemoteClient) Revoke(ctx context.Context, token string) error {
	return c.post(ctx, "/cli/revoke", map[string]string{"token": token}, nil)
}

func (c *RemoteClient) post(ctx context.Context, path string, body any, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("identity service %s (status %d): %s", path, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response from %s: %w", path, err)
		}
	}
	return nil
}

var (
	_ Verifier  = (*RemoteClient)(nil)
	_ Refresher = (*RemoteClient)(nil)
)
