// Package store persists per-user credential records to a JSON file with
// atomic writes, checksum dedupe, backup rotation, and a debounced write queue.
// It is the only package allowed to touch the credential file directly.
package store

import (
	"encoding/json"
	"strings"
)

// UserRecord is the durable shape of one user's credentials and preferences.
type UserRecord struct {
	Username       string   `json:"username"`
	ClientID       string   `json:"client_id"`
	ClientSecret   string   `json:"client_secret"`
	AccessToken    string   `json:"access_token"`
	RefreshToken   string   `json:"refresh_token"`
	Channels       []string `json:"channels"`
	IsPrimeOrTurbo bool     `json:"is_prime_or_turbo"`
	Enabled        bool     `json:"enabled"`
}

// UnmarshalJSON defaults a missing "enabled" field to true so legacy files
// written before the flag existed keep their users active.
func (u *UserRecord) UnmarshalJSON(b []byte) error {
	type alias UserRecord
	aux := struct {
		*alias
		Enabled *bool `json:"enabled"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Enabled == nil {
		u.Enabled = true
	} else {
		u.Enabled = *aux.Enabled
	}
	return nil
}

// Normalize lowercases the username, trims and lowercases channel names,
// strips IRC "#" prefixes, and drops duplicates. Returns true if anything changed.
func (u *UserRecord) Normalize() bool {
	changed := false
	if low := strings.ToLower(strings.TrimSpace(u.Username)); low != u.Username {
		u.Username = low
		changed = true
	}
	seen := make(map[string]bool, len(u.Channels))
	out := u.Channels[:0]
	for _, ch := range u.Channels {
		norm := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
		if norm == "" || seen[norm] {
			changed = true
			continue
		}
		if norm != ch {
			changed = true
		}
		seen[norm] = true
		out = append(out, norm)
	}
	u.Channels = out
	return changed
}

// UserUpdate is a partial update for one user. Nil fields are left untouched,
// so two concurrent updates touching different fields both survive the merge.
type UserUpdate struct {
	Username       string
	ClientID       *string
	ClientSecret   *string
	AccessToken    *string
	RefreshToken   *string
	Channels       []string // nil means unset; empty slice clears
	IsPrimeOrTurbo *bool
	Enabled        *bool
}

// merge overlays later-arriving fields onto u, last writer wins per field.
func (u *UserUpdate) merge(next UserUpdate) {
	if next.ClientID != nil {
		u.ClientID = next.ClientID
	}
	if next.ClientSecret != nil {
		u.ClientSecret = next.ClientSecret
	}
	if next.AccessToken != nil {
		u.AccessToken = next.AccessToken
	}
	if next.RefreshToken != nil {
		u.RefreshToken = next.RefreshToken
	}
	if next.Channels != nil {
		u.Channels = next.Channels
	}
	if next.IsPrimeOrTurbo != nil {
		u.IsPrimeOrTurbo = next.IsPrimeOrTurbo
	}
	if next.Enabled != nil {
		u.Enabled = next.Enabled
	}
}

// apply writes the update's set fields onto a record.
func (u *UserUpdate) apply(rec *UserRecord) {
	rec.Username = u.Username
	if u.ClientID != nil {
		rec.ClientID = *u.ClientID
	}
	if u.ClientSecret != nil {
		rec.ClientSecret = *u.ClientSecret
	}
	if u.AccessToken != nil {
		rec.AccessToken = *u.AccessToken
	}
	if u.RefreshToken != nil {
		rec.RefreshToken = *u.RefreshToken
	}
	if u.Channels != nil {
		rec.Channels = append([]string(nil), u.Channels...)
	}
	if u.IsPrimeOrTurbo != nil {
		rec.IsPrimeOrTurbo = *u.IsPrimeOrTurbo
	}
	if u.Enabled != nil {
		rec.Enabled = *u.Enabled
	}
}

// Ptr returns a pointer to v, a small helper for building UserUpdates.
func Ptr[T any](v T) *T { return &v }
