package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// DefaultClockSkew is the tolerance applied to a token's expiry and
// not-before claims during validation.
const DefaultClockSkew = 300 * time.Second

// signingAlg is the only signature algorithm the provider issues tokens
// with.
const signingAlg = string(jose.RS256)

// ValidationOptions carry the trusted values a token is checked against.
type ValidationOptions struct {
	// Issuer is the trusted issuer from provider metadata.  (required)
	Issuer string

	// Audience is checked against the token's aud claim when non-empty.
	Audience string

	// Nonce is checked against the token's nonce claim when non-empty.
	Nonce string

	// Keys are the provider's verification keys.  (required)
	Keys []*JSONWebKey

	// now is the injected clock; zero value means wall time.
	now func() time.Time
}

func (o ValidationOptions) validate() error {
	const op = "oidc.ValidationOptions.validate"
	if o.Issuer == "" {
		return fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	if len(o.Keys) == 0 {
		return fmt.Errorf("%s: verification keys are empty: %w", op, ErrInvalidParameter)
	}
	return nil
}

func (o ValidationOptions) time() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

// DecodedToken is a fully decoded and verified JWT: the raw compact
// serialization plus the decoded header and payload claims.
type DecodedToken struct {
	Raw    string
	Header map[string]interface{}
	Claims map[string]interface{}
}

// StringClaim returns the named payload claim when it is a non-empty
// string.
func (t *DecodedToken) StringClaim(name string) (string, bool) {
	v, ok := t.Claims[name].(string)
	return v, ok && v != ""
}

// ValidateIDToken verifies an identity token end to end: structure,
// signature, issuer, audience, nonce and expiry (with DefaultClockSkew
// tolerance).  Each failure mode is distinct: ErrMalformedToken for
// structural problems, ErrNoSuchPublicKey when the token's key id is not
// in the key set, and ErrVerification (carrying the underlying cause) for
// signature or claim mismatches.
func ValidateIDToken(idToken string, opts ValidationOptions) (*DecodedToken, error) {
	const op = "oidc.ValidateIDToken"
	return verifyToken(op, idToken, opts, true)
}

// ValidateAccessToken verifies an access token's structure, signature,
// issuer and expiry.  Access tokens are addressed to the api, not this
// client, so no audience is enforced, and the nonce claim is only checked
// when the token carries one.
func ValidateAccessToken(accessToken string, opts ValidationOptions) (*DecodedToken, error) {
	const op = "oidc.ValidateAccessToken"
	opts.Audience = ""
	return verifyToken(op, accessToken, opts, false)
}

func verifyToken(op, raw string, opts ValidationOptions, requireNonce bool) (*DecodedToken, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s: token is empty: %w", op, ErrMalformedToken)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return nil, fmt.Errorf("%s: expected 3 segments separated by a period, got %d: %w", op, len(segments), ErrMalformedToken)
	}
	switch {
	case segments[0] == "":
		return nil, fmt.Errorf("%s: %w", op, ErrMissingHeader)
	case segments[1] == "":
		return nil, fmt.Errorf("%s: %w", op, ErrMissingPayload)
	case segments[2] == "":
		return nil, fmt.Errorf("%s: %w", op, ErrMissingSignature)
	}

	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode token: %v: %w", op, err, ErrMalformedToken)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one signature header: %w", op, ErrMalformedToken)
	}
	header := parsed.Headers[0]
	if header.Algorithm != signingAlg {
		return nil, fmt.Errorf("%s: unexpected signing algorithm %q: %w", op, header.Algorithm, ErrVerification)
	}

	key := keyFor(opts.Keys, header.KeyID)
	if key == nil {
		return nil, fmt.Errorf("%s: token expects key id %q: %w", op, header.KeyID, ErrNoSuchPublicKey)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse public key %q: %v: %w", op, header.KeyID, err, ErrNoSuchPublicKey)
	}

	var std jwt.Claims
	allClaims := map[string]interface{}{}
	if err := parsed.Claims(pub, &std, &allClaims); err != nil {
		return nil, fmt.Errorf("%s: invalid signature: %v: %w", op, err, ErrVerification)
	}

	expected := jwt.Expected{
		Issuer: opts.Issuer,
		Time:   opts.time(),
	}
	if opts.Audience != "" {
		expected.Audience = jwt.Audience{opts.Audience}
	}
	if err := std.ValidateWithLeeway(expected, DefaultClockSkew); err != nil {
		return nil, fmt.Errorf("%s: claims failed validation: %v: %w", op, err, ErrVerification)
	}

	tokenNonce, hasNonce := allClaims["nonce"].(string)
	if opts.Nonce != "" {
		switch {
		case requireNonce && !hasNonce:
			return nil, fmt.Errorf("%s: token carries no nonce claim: %w", op, ErrVerification)
		case hasNonce && tokenNonce != opts.Nonce:
			return nil, fmt.Errorf("%s: token nonce does not match the expected nonce: %w", op, ErrVerification)
		}
	}

	return &DecodedToken{
		Raw:    raw,
		Header: headerMap(header),
		Claims: allClaims,
	}, nil
}

func keyFor(keys []*JSONWebKey, kid string) *JSONWebKey {
	for _, k := range keys {
		if k.KeyID == kid {
			return k
		}
	}
	return nil
}

func headerMap(h jose.Header) map[string]interface{} {
	m := map[string]interface{}{
		"alg": h.Algorithm,
	}
	if h.KeyID != "" {
		m["kid"] = h.KeyID
	}
	for k, v := range h.ExtraHeaders {
		m[string(k)] = v
	}
	return m
}

// ValidateHash checks a token hash claim binding: hash must equal the
// base64url encoding of the first half of the SHA-256 digest of value.
// This is the primitive behind both the c_hash (authorization code) and
// at_hash (access token) claims.
func ValidateHash(value, hash string) error {
	const op = "oidc.ValidateHash"
	if err := validateHash(value, hash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func validateHash(value, hash string) error {
	digest := sha256.Sum256([]byte(value))
	computed := base64.RawURLEncoding.EncodeToString(digest[:len(digest)/2])
	if computed != hash {
		return ErrIncorrectHash
	}
	return nil
}

// ValidateIDTokenWithCode verifies an identity token and the authorization
// code that accompanied it: the id token must carry a c_hash claim
// matching the code.
func ValidateIDTokenWithCode(code, idToken string, opts ValidationOptions) (*DecodedToken, error) {
	const op = "oidc.ValidateIDTokenWithCode"
	decoded, err := ValidateIDToken(idToken, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cHash, ok := decoded.StringClaim("c_hash")
	if !ok {
		return nil, fmt.Errorf("%s: expected a c_hash claim on the id token, cannot verify the authorization code: %w", op, ErrVerification)
	}
	if err := validateHash(code, cHash); err != nil {
		return nil, fmt.Errorf("%s: authorization code does not match the c_hash claim: %w", op, err)
	}
	return decoded, nil
}

// ValidateIDTokenWithAccessToken verifies an identity token together with
// the access token issued alongside it: the id token must carry an at_hash
// claim matching the access token, and the access token's own signature
// and claims must validate.
func ValidateIDTokenWithAccessToken(idToken, accessToken string, opts ValidationOptions) (id *DecodedToken, at *DecodedToken, err error) {
	const op = "oidc.ValidateIDTokenWithAccessToken"
	id, err = ValidateIDToken(idToken, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	atHash, ok := id.StringClaim("at_hash")
	if !ok {
		return nil, nil, fmt.Errorf("%s: expected an at_hash claim on the id token, cannot verify the access token: %w", op, ErrVerification)
	}
	if err := validateHash(accessToken, atHash); err != nil {
		return nil, nil, fmt.Errorf("%s: access token does not match the at_hash claim: %w", op, err)
	}
	at, err = ValidateAccessToken(accessToken, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return id, at, nil
}
