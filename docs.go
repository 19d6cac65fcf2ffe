// oidcflow provides multi-scope OpenID Connect authorization code logins
// for Azure AD B2C style providers: the oidc package implements the
// metadata resolver, token validator, login state machine and token
// refresh, and oidc/strategy adapts them to net/http.
//
// See README.md
package oidcflow
