// Package testutil provides shared test helpers: a scriptable mock OAuth server.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockOAuthServer mocks a provider's device, token, and validate endpoints.
type MockOAuthServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockOAuthServer creates a mock OAuth provider. Register handlers by path.
func NewMockOAuthServer(t *testing.T) *MockOAuthServer {
	t.Helper()
	m := &MockOAuthServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.URL.Path]++
		m.mu.Unlock()
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Calls returns how many requests hit the given path.
func (m *MockOAuthServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// MockRefreshResponse serves a successful refresh_token grant at /oauth2/token.
func (m *MockOAuthServer) MockRefreshResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	}
}

// MockRefreshError serves a failing refresh at /oauth2/token.
func (m *MockOAuthServer) MockRefreshError(status int, code string) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code}) //nolint:errcheck // test mock response
	}
}

// MockValidateResponse serves a successful introspection at /oauth2/validate.
func (m *MockOAuthServer) MockValidateResponse(expiresIn int, scopes []string) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"expires_in": expiresIn,
			"scopes":     scopes,
		})
	}
}

// MockValidateUnauthorized serves a 401 at /oauth2/validate.
func (m *MockOAuthServer) MockValidateUnauthorized() {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

// MockDeviceCodeResponse serves the device code grant start at /oauth2/device.
func (m *MockOAuthServer) MockDeviceCodeResponse(deviceCode, userCode, verificationURI string, expiresIn int) {
	m.Handlers["/oauth2/device"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"device_code":      deviceCode,
			"user_code":        userCode,
			"verification_uri": verificationURI,
			"expires_in":       expiresIn,
		})
	}
}

// MockTokenScript serves a fixed sequence of responses at /oauth2/token, one
// per request, holding the last one for any further requests. Each entry is a
// (status, body) pair already JSON-encoded by the caller helpers.
func (m *MockOAuthServer) MockTokenScript(steps []ScriptStep) {
	var mu sync.Mutex
	i := 0
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		step := steps[i]
		if i < len(steps)-1 {
			i++
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(step.Status)
		_ = json.NewEncoder(w).Encode(step.Body) //nolint:errcheck // test mock response
	}
}

// ScriptStep is one canned token-endpoint response.
type ScriptStep struct {
	Status int
	Body   any
}

// DevicePending is a 400 authorization_pending step.
func DevicePending() ScriptStep {
	return ScriptStep{Status: http.StatusBadRequest, Body: map[string]string{"error": "authorization_pending"}}
}

// DeviceSlowDown is a 400 slow_down step.
func DeviceSlowDown() ScriptStep {
	return ScriptStep{Status: http.StatusBadRequest, Body: map[string]string{"error": "slow_down"}}
}

// DeviceDenied is a 400 access_denied step.
func DeviceDenied() ScriptStep {
	return ScriptStep{Status: http.StatusBadRequest, Body: map[string]string{"error": "access_denied"}}
}

// DeviceSuccess is a 200 token response step.
func DeviceSuccess(accessToken, refreshToken string, expiresIn int) ScriptStep {
	return ScriptStep{Status: http.StatusOK, Body: map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    expiresIn,
		"token_type":    "bearer",
	}}
}
