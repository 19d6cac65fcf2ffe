// Package oidc implements a multi-scope OpenID Connect authorization code
// login for Azure AD B2C style providers, where each API scope requires
// its own access token and the tokens are negotiated one scope at a time
// across repeated authorization round trips.
//
// The primary types are:
//
//   - Config: the provider and client settings, including the ordered list
//     of API scopes to negotiate.
//
//   - Resolver: fetches and memoizes the provider's discovery metadata and
//     signing keys, converting each JWK to a PEM-encoded RSA public key.
//
//   - Flow: the login state machine.  Flow.Next advances a login one step
//     per inbound request, persisting the in-between state through a
//     caller-supplied SessionStore, and finishes with a TokenBundle that
//     holds the identity token plus one AccessTokenRecord per scope.
//
//   - Flow.Refresh with RefreshStrategy: exchanges a record's refresh
//     token for a fresh access token before the old one expires.
//
// Every failure during a login destroys the persisted state before the
// error is reported, so a tampered or half-finished login can never be
// resumed.
//
// The strategy subpackage adapts a Flow to net/http handlers and provides
// a refresh middleware.
package oidc
