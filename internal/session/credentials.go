// Package session models the credential set a widget session runs under and
// the freshness rules applied to it.
package session

import (
	"encoding/json"
	"time"
)

// Credentials is the full credential set for one authenticated session:
// a short-lived access token, a longer-lived refresh token, the active
// tenant, and the serialized user record. The JSON field names match the
// persisted session blob shared with the mentor application.
type Credentials struct {
	AccessToken   string    `json:"axd_token"`
	AccessExpiry  time.Time `json:"axd_token_expires"`
	RefreshToken  string    `json:"dm_token"`
	RefreshExpiry time.Time `json:"dm_token_expires"`
	Tenant        string    `json:"tenant"`
	UserData      string    `json:"userData"`

	// Tenants is the tenant directory fetched at refresh time. It is
	// stripped before the blob is handed to the mentor app.
	Tenants json.RawMessage `json:"tenants,omitempty"`

	// EdxJWT is an optional LMS token forwarded verbatim.
	EdxJWT string `json:"edxJwtToken,omitempty"`
}

// Expired reports whether a token with the given expiry is stale at the
// given instant. Expiry is inclusive: a token expiring exactly now is
// already stale.
func Expired(expiry, now time.Time) bool {
	if expiry.IsZero() {
		return true
	}
	return !now.Before(expiry)
}

// AccessValid reports whether the access token is present and fresh.
func (c Credentials) AccessValid(now time.Time) bool {
	return c.AccessToken != "" && !Expired(c.AccessExpiry, now)
}

// RefreshValid reports whether the refresh token is present and fresh.
func (c Credentials) RefreshValid(now time.Time) bool {
	return c.RefreshToken != "" && !Expired(c.RefreshExpiry, now)
}

// Valid reports whether the credentials are usable for the given tenant:
// matching tenant, fresh access token, and a user record.
func (c Credentials) Valid(tenant string, now time.Time) bool {
	return c.Tenant == tenant && c.UserData != "" && c.AccessValid(now)
}

// UserID extracts the numeric user ID from the serialized user record.
// It returns 0 when the record is absent or unparseable.
func (c Credentials) UserID() int64 {
	if c.UserData == "" {
		return 0
	}
	var u struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(c.UserData), &u); err != nil {
		return 0
	}
	return u.UserID
}

// WithoutTenants returns a copy with the tenant directory stripped, the
// form handed to the mentor application.
func (c Credentials) WithoutTenants() Credentials {
	c.Tenants = nil
	return c
}
