// Package oauthapi contains the HTTP client for a generic OAuth 2.0 provider:
// refresh_token grant, token introspection, and the Device Authorization Grant.
// Endpoints are parameterized by URL; defaults elsewhere are Twitch-shaped.
package oauthapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Sentinel errors classifying remote failures. Callers branch on these to
// decide between backoff, re-provisioning, and plain retry.
var (
	// ErrAuthInvalid means the grant or token was rejected outright; retrying
	// the same credentials is pointless and re-provisioning is required.
	ErrAuthInvalid = errors.New("oauth: grant or token invalid")
	// ErrRateLimited means the provider returned 429; honor backoff.
	ErrRateLimited = errors.New("oauth: rate limited")
	// ErrMalformedResponse means the payload shape was unexpected. Treated as
	// transient: existing tokens are retained.
	ErrMalformedResponse = errors.New("oauth: malformed response")
)

// Client calls the provider's token and validation endpoints.
type Client struct {
	TokenURL    string
	ValidateURL string
	DeviceURL   string

	// HTTPClient is pluggable for tests; nil means a client with the default timeout.
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// RefreshResult is the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ValidateResult is the response from token introspection.
type ValidateResult struct {
	ExpiresIn int      `json:"expires_in"`
	Scopes    []string `json:"scopes"`
	Login     string   `json:"login"`
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	var res RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("%w: decode refresh response: %v", ErrMalformedResponse, err)
	}
	if res.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access_token in refresh response", ErrMalformedResponse)
	}
	return &res, nil
}

// Validate introspects an access token. A nil error means the provider still
// accepts the token; ErrAuthInvalid means it has been revoked or expired.
func (c *Client) Validate(ctx context.Context, accessToken string) (*ValidateResult, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrAuthInvalid)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ValidateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	var res ValidateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("%w: decode validate response: %v", ErrMalformedResponse, err)
	}
	return &res, nil
}

// ComputeExpiry returns absolute expiry from seconds minus a safety buffer
// guarding clock skew and in-flight use, defaulting to +60m when unknown.
func ComputeExpiry(now time.Time, seconds int, buffer time.Duration) time.Time {
	if seconds <= 0 {
		return now.Add(60 * time.Minute)
	}
	exp := now.Add(time.Duration(seconds)*time.Second - buffer)
	if exp.Before(now) {
		return now
	}
	return exp
}

// classifyStatus maps non-2xx responses to the error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthInvalid, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, resp.Status)
	case resp.StatusCode == http.StatusBadRequest:
		b, _ := io.ReadAll(resp.Body)
		var oe struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &oe) == nil && (oe.Error == "invalid_grant" || oe.Error == "invalid_token") {
			return fmt.Errorf("%w: %s", ErrAuthInvalid, oe.Error)
		}
		return fmt.Errorf("oauth request failed: %s: %s", resp.Status, string(b))
	default:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("oauth request failed: %s: %s", resp.Status, string(b))
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
