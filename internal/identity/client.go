// Package identity talks to the IBL identity API: tenant directory lookups
// and consolidated token refresh.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the identity API rejects the refresh
// token.
var ErrUnauthorized = errors.New("identity: unauthorized")

const (
	tenantsPath           = "/api/ibl/users/manage/platform/"
	consolidatedTokenPath = "/api/ibl/manager/consolidated-token/proxy/"
)

// Token is one credential in a consolidated token bundle.
type Token struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// TokenBundle is the identity API's refresh response: a new access token,
// a new refresh token, and the current user record.
type TokenBundle struct {
	Access  Token           `json:"axd_token"`
	Refresh Token           `json:"dm_token"`
	User    json.RawMessage `json:"user"`
}

// Tenant is one entry in the user's tenant directory.
type Tenant struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

// Client is an identity API client. Cookies set by the API (device and
// affinity cookies) are retained across calls.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an identity client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("identity: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("identity: parse base URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: cookie jar: %w", err)
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: timeout},
		logger:  logger.With("component", "identity"),
	}, nil
}

// Tenants fetches the tenant directory for the user the refresh token
// belongs to.
func (c *Client) Tenants(ctx context.Context, refreshToken string) ([]Tenant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tenantsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Authorization", "JWT "+refreshToken)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	// The endpoint returns either a bare array or a paginated envelope.
	var tenants []Tenant
	if err := json.Unmarshal(body, &tenants); err == nil {
		return tenants, nil
	}
	var page struct {
		Results []Tenant `json:"results"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("identity: parse tenants: %w", err)
	}
	return page.Results, nil
}

// ConsolidatedToken exchanges a refresh token for a fresh token bundle
// scoped to the given tenant.
func (c *Client) ConsolidatedToken(ctx context.Context, refreshToken, platformKey string) (*TokenBundle, error) {
	form := url.Values{}
	form.Set("platform_key", platformKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+consolidatedTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Authorization", "JWT "+refreshToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	// The bundle rides inside a "data" envelope; older deployments return
	// it bare.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		body = envelope.Data
	}

	var bundle TokenBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("identity: parse token bundle: %w", err)
	}
	if bundle.Access.Token == "" {
		return nil, fmt.Errorf("identity: token bundle missing access token")
	}
	return &bundle, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("identity: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Debug("identity request rejected", "path", req.URL.Path, "status", resp.StatusCode)
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("identity: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return body, nil
}
