package oauthapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/cred-tender/telemetry"
)

// Terminal outcomes of the device flow. A timeout is deliberately distinct
// from a denial so an operator can tell "try again later" from "re-authorize".
var (
	ErrAccessDenied      = errors.New("device flow: user denied authorization")
	ErrDeviceCodeExpired = errors.New("device flow: device code expired")
	ErrPollTimeout       = errors.New("device flow: polling timed out")
)

// PollStep is the explicit result of a single poll attempt. The polling loop
// switches on it rather than on parsed error strings.
type PollStep int

const (
	PollSuccess PollStep = iota
	PollPending
	PollSlowDown
	PollTerminal
)

const (
	defaultPollInterval = 5 * time.Second
	maxPollInterval     = 10 * time.Second
)

// DeviceFlow obtains a token pair from scratch via the OAuth 2.0 Device
// Authorization Grant. It is used only when no usable refresh token exists.
type DeviceFlow struct {
	Client       *Client
	ClientID     string
	ClientSecret string
	Scopes       string

	// PollInterval overrides the initial poll cadence, for tests.
	PollInterval time.Duration
}

// RequestDeviceCode starts the grant and returns the codes the operator needs.
// Surfacing user_code/verification_uri to the operator is the caller's job.
func (f *DeviceFlow) RequestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	form := url.Values{}
	form.Set("client_id", f.ClientID)
	form.Set("scopes", f.Scopes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Client.DeviceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.Client.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	var body struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int64  `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode device code response: %v", ErrMalformedResponse, err)
	}
	if body.DeviceCode == "" || body.UserCode == "" {
		return nil, fmt.Errorf("%w: missing device_code/user_code", ErrMalformedResponse)
	}
	telemetry.ObserveDeviceFlow()
	return &oauth2.DeviceAuthResponse{
		DeviceCode:      body.DeviceCode,
		UserCode:        body.UserCode,
		VerificationURI: body.VerificationURI,
		Expiry:          time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
		Interval:        body.Interval,
	}, nil
}

// PollForToken polls the token endpoint until the user completes authorization,
// the device code expires, or the ceiling passes. slow_down stretches the
// cadence by 1s per occurrence, capped at 10s.
func (f *DeviceFlow) PollForToken(ctx context.Context, auth *oauth2.DeviceAuthResponse) (*oauth2.Token, error) {
	interval := f.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
		if auth.Interval > 0 {
			interval = time.Duration(auth.Interval) * time.Second
		}
	}

	deadline := auth.Expiry
	if deadline.IsZero() {
		deadline = time.Now().Add(10 * time.Minute)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrPollTimeout
			}
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		step, token, err := f.pollOnce(ctx, auth.DeviceCode)
		switch step {
		case PollSuccess:
			return token, nil
		case PollPending:
			// keep cadence unchanged
		case PollSlowDown:
			interval = nextPollInterval(interval)
		case PollTerminal:
			return nil, err
		}
	}
}

// nextPollInterval stretches the cadence after a slow_down: +1s, capped.
func nextPollInterval(cur time.Duration) time.Duration {
	cur += time.Second
	if cur > maxPollInterval {
		return maxPollInterval
	}
	return cur
}

// pollOnce performs a single token-endpoint call for the device grant.
func (f *DeviceFlow) pollOnce(ctx context.Context, deviceCode string) (PollStep, *oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("device_code", deviceCode)
	form.Set("client_id", f.ClientID)
	form.Set("client_secret", f.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Client.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return PollTerminal, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.Client.http().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Let the loop translate cancellation/deadline.
			return PollPending, nil, nil
		}
		return PollTerminal, nil, err
	}
	defer closeBody(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PollTerminal, nil, err
	}

	if resp.StatusCode == http.StatusOK {
		var tok struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			TokenType    string `json:"token_type"`
			ExpiresIn    int    `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
			return PollTerminal, nil, fmt.Errorf("%w: device token response", ErrMalformedResponse)
		}
		return PollSuccess, &oauth2.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenType:    tok.TokenType,
			Expiry:       time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		}, nil
	}

	if resp.StatusCode == http.StatusBadRequest {
		var oe struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &oe) == nil {
			switch oe.Error {
			case "authorization_pending":
				return PollPending, nil, nil
			case "slow_down":
				return PollSlowDown, nil, nil
			case "expired_token":
				return PollTerminal, nil, ErrDeviceCodeExpired
			case "access_denied":
				return PollTerminal, nil, ErrAccessDenied
			}
		}
	}
	return PollTerminal, nil, fmt.Errorf("device flow poll failed: %s: %s", resp.Status, string(body))
}
