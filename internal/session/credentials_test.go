package session

import (
	"encoding/json"
	"testing"
	"time"
)

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestExpired(t *testing.T) {
	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"future", now.Add(time.Hour), false},
		{"past", now.Add(-time.Hour), true},
		{"exactly now", now, true},
		{"zero", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expired(tt.expiry, now); got != tt.want {
				t.Errorf("Expired(%v) = %v, want %v", tt.expiry, got, tt.want)
			}
		})
	}
}

func TestValid(t *testing.T) {
	c := Credentials{
		AccessToken:  "acc",
		AccessExpiry: now.Add(time.Hour),
		Tenant:       "main",
		UserData:     `{"user_id":7}`,
	}
	if !c.Valid("main", now) {
		t.Fatal("expected valid")
	}
	if c.Valid("other", now) {
		t.Fatal("tenant mismatch should invalidate")
	}
	if c.Valid("main", now.Add(2*time.Hour)) {
		t.Fatal("expired access token should invalidate")
	}

	c.UserData = ""
	if c.Valid("main", now) {
		t.Fatal("missing user record should invalidate")
	}
}

func TestUserID(t *testing.T) {
	c := Credentials{UserData: `{"user_id":42,"email":"a@b.c"}`}
	if got := c.UserID(); got != 42 {
		t.Fatalf("UserID() = %d, want 42", got)
	}

	for _, bad := range []string{"", "not json", "{}"} {
		c := Credentials{UserData: bad}
		if got := c.UserID(); got != 0 {
			t.Errorf("UserID() with %q = %d, want 0", bad, got)
		}
	}
}

func TestWithoutTenants(t *testing.T) {
	c := Credentials{
		AccessToken: "acc",
		Tenants:     json.RawMessage(`[{"key":"main"}]`),
	}
	stripped := c.WithoutTenants()
	if stripped.Tenants != nil {
		t.Fatal("tenants not stripped")
	}
	if c.Tenants == nil {
		t.Fatal("original mutated")
	}
	if stripped.AccessToken != "acc" {
		t.Fatal("other fields must survive")
	}
}

func TestCredentialsJSONFieldNames(t *testing.T) {
	c := Credentials{
		AccessToken:   "acc",
		AccessExpiry:  now,
		RefreshToken:  "ref",
		RefreshExpiry: now.Add(24 * time.Hour),
		Tenant:        "main",
		UserData:      `{"user_id":7}`,
	}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"axd_token", "axd_token_expires", "dm_token", "dm_token_expires", "tenant", "userData"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing wire field %q", key)
		}
	}
}
