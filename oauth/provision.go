package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/cred-tender/oauthapi"
	"github.com/onnwee/cred-tender/store"
)

// Provision obtains a brand-new token pair for a user via the Device
// Authorization Grant, then registers and durably persists it. It is used when
// no usable refresh token exists: first run, or after the provider invalidated
// the grant. display surfaces the user code and verification URI to the
// operator; the call blocks until authorization completes, fails terminally,
// or the device code's lifetime elapses.
func (m *Manager) Provision(ctx context.Context, username, clientID, clientSecret, scopes string, display func(userCode, verificationURI string)) error {
	flow := &oauthapi.DeviceFlow{
		Client:       m.api,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	}
	auth, err := flow.RequestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("request device code: %w", err)
	}
	if display != nil {
		display(auth.UserCode, auth.VerificationURI)
	}
	tok, err := flow.PollForToken(ctx, auth)
	if err != nil {
		return fmt.Errorf("device authorization for %q: %w", username, err)
	}

	expiry := tok.Expiry
	if !expiry.IsZero() {
		if buffered := expiry.Add(-m.safetyBuffer); buffered.After(m.now()) {
			expiry = buffered
		}
	}
	m.RegisterUser(username, tok.AccessToken, tok.RefreshToken, clientID, clientSecret, expiry)

	// First provisioning goes through the synchronous path: the caller needs
	// to know the credentials actually hit disk.
	if err := m.queue.AsyncUpdate(ctx, store.UserUpdate{
		Username:     username,
		ClientID:     store.Ptr(clientID),
		ClientSecret: store.Ptr(clientSecret),
		AccessToken:  store.Ptr(tok.AccessToken),
		RefreshToken: store.Ptr(tok.RefreshToken),
		Enabled:      store.Ptr(true),
	}); err != nil {
		return fmt.Errorf("persist provisioned credentials: %w", err)
	}
	slog.Info("user provisioned", slog.String("user", username), slog.Time("expiry", expiry))
	return nil
}

// LoadFromStore registers every enabled persisted user with the manager.
// Records without an expiry are assumed fresh until proven otherwise.
func (m *Manager) LoadFromStore(records []store.UserRecord) int {
	n := 0
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		m.RegisterUser(rec.Username, rec.AccessToken, rec.RefreshToken, rec.ClientID, rec.ClientSecret, time.Time{})
		n++
	}
	return n
}
