package store

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalEnabledDefault(t *testing.T) {
	var rec UserRecord
	if err := json.Unmarshal([]byte(`{"username":"a"}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !rec.Enabled {
		t.Error("missing enabled should default true")
	}

	if err := json.Unmarshal([]byte(`{"username":"a","enabled":false}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Enabled {
		t.Error("explicit false must be honored")
	}
}

func TestNormalizeReportsChange(t *testing.T) {
	rec := UserRecord{Username: "alice", Channels: []string{"main", "other"}}
	if rec.Normalize() {
		t.Error("already-normalized record reported a change")
	}
	rec = UserRecord{Username: "Alice"}
	if !rec.Normalize() {
		t.Error("case change not reported")
	}
}

func TestUpdateMergeAndApply(t *testing.T) {
	u := UserUpdate{Username: "alice", AccessToken: Ptr("at-1"), Enabled: Ptr(false)}
	u.merge(UserUpdate{Username: "alice", AccessToken: Ptr("at-2"), RefreshToken: Ptr("rt")})

	rec := UserRecord{Username: "alice", ClientID: "cid", Enabled: true}
	u.apply(&rec)
	if rec.AccessToken != "at-2" {
		t.Errorf("access token = %q, want last writer at-2", rec.AccessToken)
	}
	if rec.RefreshToken != "rt" {
		t.Errorf("refresh token = %q", rec.RefreshToken)
	}
	if rec.Enabled {
		t.Error("enabled=false from the earlier update should survive the merge")
	}
	if rec.ClientID != "cid" {
		t.Error("untouched field clobbered")
	}

	// Empty slice clears channels; nil leaves them alone.
	rec.Channels = []string{"main"}
	clear := UserUpdate{Username: "alice", Channels: []string{}}
	clear.apply(&rec)
	if len(rec.Channels) != 0 {
		t.Errorf("channels = %v, want cleared", rec.Channels)
	}
	noop := UserUpdate{Username: "alice"}
	rec.Channels = []string{"main"}
	noop.apply(&rec)
	if len(rec.Channels) != 1 {
		t.Errorf("nil channels update must not touch channels: %v", rec.Channels)
	}
}
