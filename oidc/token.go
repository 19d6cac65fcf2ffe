package oidc

import (
	"net/url"
	"time"
)

// IDToken is an oidc id_token.
type IDToken string

// RedactedIDToken is the redacted string for an oidc id_token.
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token.  The underlying value is preserved so
// records can round-trip through the session store.
func (t IDToken) String() string { return RedactedIDToken }

// AccessToken is an oauth access_token.
type AccessToken string

// RedactedAccessToken is the redacted string for an oauth access_token.
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token.
func (t AccessToken) String() string { return RedactedAccessToken }

// RefreshToken is an oauth refresh_token.
type RefreshToken string

// RedactedRefreshToken is the redacted string for an oauth refresh_token.
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token.
func (t RefreshToken) String() string { return RedactedRefreshToken }

// AccessTokenRecord is a validated access token negotiated for a single api
// scope, together with the decoded claims and lifetime data derived from
// the token's iat/exp/nbf claims and the token endpoint response.
type AccessTokenRecord struct {
	Token  AccessToken            `json:"access_token"`
	Claims map[string]interface{} `json:"access_token_claims"`

	// Scope is the api scope this token was negotiated for.
	Scope string `json:"scope"`

	IssuedAt        time.Time `json:"issued_at"`
	NotBefore       time.Time `json:"not_before,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	LifetimeSeconds int64     `json:"lifetime_seconds"`

	// IDToken is the identity token returned alongside this access token
	// by the token endpoint exchange.
	IDToken       IDToken                `json:"id_token"`
	IDTokenClaims map[string]interface{} `json:"id_token_claims"`

	// RefreshToken is empty when the provider did not issue one.
	RefreshToken RefreshToken `json:"refresh_token,omitempty"`

	// RefreshTokenExpiresAt is zero when the refresh token's expiry is not
	// tracked by the provider.
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
}

// Expired reports whether the access token's expiry has passed at t.
func (r *AccessTokenRecord) Expired(t time.Time) bool {
	if r == nil || r.ExpiresAt.IsZero() {
		return true
	}
	return r.ExpiresAt.Before(t)
}

// TokenBundle is the terminal result of a completed login flow: the last
// validated identity token plus one AccessTokenRecord per negotiated api
// scope.  OriginalQuery and CallerState restore the caller's context from
// before the round trips to the provider.
type TokenBundle struct {
	IDToken       IDToken                `json:"id_token"`
	IDTokenClaims map[string]interface{} `json:"id_token_claims"`

	// AccessTokens is keyed by api scope.  It contains exactly one record
	// per configured scope once the flow is complete, and is empty for an
	// identity-only login.
	AccessTokens map[string]*AccessTokenRecord `json:"access_tokens,omitempty"`

	OriginalQuery url.Values             `json:"original_query,omitempty"`
	CallerState   map[string]interface{} `json:"caller_state,omitempty"`
}
