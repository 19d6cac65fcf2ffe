package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrInvalidCACert     = errors.New("invalid CA certificate")
	ErrIdGeneratorFailed = errors.New("id generation failed")

	// ErrMetadataRequest is the discovery or JWKS document fetch/parse
	// failing.
	ErrMetadataRequest = errors.New("metadata request failed")

	// ErrRequestTimeout is an outbound call to the provider exceeding the
	// configured timeout.  It is never retried automatically.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrAuthCodeRequest is the provider reporting a failure on the login
	// return (error/error_description parameters).
	ErrAuthCodeRequest = errors.New("authorization code request failed")

	// ErrAccessTokenRequest is the authorization code exchange at the token
	// endpoint failing.
	ErrAccessTokenRequest = errors.New("access token request failed")

	// ErrRefreshAccessTokenRequest is the refresh_token grant failing.
	ErrRefreshAccessTokenRequest = errors.New("refresh access token request failed")

	// Token validation failure modes, each distinct so callers can tell a
	// structurally broken token from a cryptographic failure.
	ErrMalformedToken   = errors.New("malformed token")
	ErrMissingHeader    = errors.New("token header is missing")
	ErrMissingPayload   = errors.New("token payload is missing")
	ErrMissingSignature = errors.New("token signature is missing")
	ErrNoSuchPublicKey  = errors.New("no public key found for token key id")
	ErrVerification     = errors.New("token verification failed")
	ErrIncorrectHash    = errors.New("token hash does not match expected value")

	ErrMissingIDToken = errors.New("id_token is missing")

	// ErrInvalidInternalState is a login return whose state parameter does
	// not match any persisted flow context.  It defends against forged or
	// replayed returns: a consumed state is never matched twice.
	ErrInvalidInternalState = errors.New("invalid internal state")

	ErrMissingRefreshToken = errors.New("refresh token is missing")
	ErrRefreshTokenExpired = errors.New("refresh token is expired")
	ErrLoginFailed         = errors.New("login failed")
)

// IdPError is a failure reported by the identity provider itself, carrying
// the machine-readable error code and human description from its response.
// Err identifies the request that produced it (ErrAuthCodeRequest,
// ErrAccessTokenRequest or ErrRefreshAccessTokenRequest) and is reachable
// via errors.Is.
type IdPError struct {
	// Code is the provider's error code, e.g. "access_denied" or
	// "invalid_grant".
	Code string

	// Description is the provider's human readable error_description.
	Description string

	// Err is the sentinel for the operation that failed.
	Err error
}

// Error implements the error interface.
func (e *IdPError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the sentinel for the failed operation.
func (e *IdPError) Unwrap() error { return e.Err }
