package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/require"
)

// TestProvider is an in-process B2C style identity provider for tests.  It
// serves discovery metadata, a JWKS endpoint with its RSA signing key, and
// a token endpoint handling both the authorization_code and refresh_token
// grants.  Numeric token response fields are delivered as quoted strings,
// the way the real provider sends them.
//
// The provider does not drive a browser: tests craft the login return
// themselves with SignIDToken and point the provider at the code and
// nonce to expect via SetExpectedAuthCode / SetExpectedAuthNonce.
type TestProvider struct {
	httpServer *httptest.Server
	t          TestingT

	mu sync.Mutex

	clientID     string
	clientSecret string

	expectedAuthCode     string
	expectedAuthNonce    string
	expectedRefreshToken string

	replyRefreshToken string
	replyExpiry       time.Duration
	refreshExpiresIn  int64
	replySubject      string
	customClaims      map[string]interface{}

	omitIDToken      bool
	omitAccessToken  bool
	omitRefreshToken bool
	disableJWKs      bool

	tokenErrorCode   string
	tokenErrorDesc   string
	tokenErrorStatus int

	privKey *rsa.PrivateKey
	keyID   string
	nowFunc func() time.Time
}

// StartTestProvider creates and starts a running TestProvider.  The caller
// must call Stop when done.
func StartTestProvider(t TestingT) *TestProvider {
	if v, ok := t.(THelper); ok {
		v.Helper()
	}
	require := require.New(t)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)

	p := &TestProvider{
		t:                 t,
		clientID:          "test-client-id",
		clientSecret:      "test-client-secret",
		replyRefreshToken: "test-refresh-token",
		replyExpiry:       time.Hour,
		refreshExpiresIn:  14 * 24 * 60 * 60,
		replySubject:      "test-subject",
		privKey:           priv,
		keyID:             "test-key-1",
		nowFunc:           time.Now,
	}
	p.expectedRefreshToken = p.replyRefreshToken
	p.httpServer = httptest.NewServer(p)
	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the provider's base URL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// Issuer returns the issuer carried in the provider's metadata and tokens.
func (p *TestProvider) Issuer() string { return p.Addr() + "/v2.0/" }

// DiscoveryURL returns the provider's metadata endpoint, suitable for
// Config's WithDiscoveryURL.
func (p *TestProvider) DiscoveryURL() string {
	return p.Addr() + "/v2.0/.well-known/openid-configuration?p=b2c_1a_signin"
}

// PublicKey returns the provider's signing public key.
func (p *TestProvider) PublicKey() *rsa.PublicKey { return &p.privKey.PublicKey }

// KeyID returns the kid the provider signs tokens with.
func (p *TestProvider) KeyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyID
}

// SetClientCreds sets the client id and secret the token endpoint expects.
func (p *TestProvider) SetClientCreds(id, secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID, p.clientSecret = id, secret
}

// SetExpectedAuthCode sets the authorization code the token endpoint will
// accept for the authorization_code grant.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedAuthNonce sets the nonce carried in the id tokens the token
// endpoint issues.
func (p *TestProvider) SetExpectedAuthNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthNonce = nonce
}

// SetExpectedRefreshToken sets the refresh token the refresh_token grant
// will accept.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetReplyRefreshToken sets the refresh token the token endpoint hands out.
func (p *TestProvider) SetReplyRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyRefreshToken = token
}

// SetReplyExpiry sets the lifetime of issued tokens.
func (p *TestProvider) SetReplyExpiry(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyExpiry = d
}

// SetReplySubject sets the sub claim of issued tokens.
func (p *TestProvider) SetReplySubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetCustomClaims adds claims to every issued id token.
func (p *TestProvider) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// SetOmitIDToken drops the id_token from token endpoint responses.
func (p *TestProvider) SetOmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omit
}

// SetOmitAccessToken drops the access_token from token endpoint responses.
func (p *TestProvider) SetOmitAccessToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAccessToken = omit
}

// SetOmitRefreshToken drops the refresh_token from token endpoint
// responses.
func (p *TestProvider) SetOmitRefreshToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = omit
}

// SetDisableJWKs makes the JWKS endpoint return an empty key set.
func (p *TestProvider) SetDisableJWKs(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableJWKs = disable
}

// SetTokenError makes the token endpoint fail every grant with the given
// provider error.  A zero status means 400.
func (p *TestProvider) SetTokenError(code, description string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrorCode, p.tokenErrorDesc, p.tokenErrorStatus = code, description, status
}

// SetNowFunc overrides the provider's clock.
func (p *TestProvider) SetNowFunc(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFunc = now
}

// SignIDToken issues a front-channel id token the way the authorization
// endpoint would: standard claims plus the nonce, a c_hash binding when an
// authorization code accompanies it, and any extra claims.
func (p *TestProvider) SignIDToken(nonce, code string, extra map[string]interface{}) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	claims := p.baseClaims()
	claims["nonce"] = nonce
	if code != "" {
		claims["c_hash"] = TestHash(p.t, code)
	}
	for k, v := range extra {
		claims[k] = v
	}
	return TestSignJWT(p.t, p.privKey, p.keyID, claims)
}

// baseClaims builds the standard claim set.  Callers must hold p.mu.
func (p *TestProvider) baseClaims() map[string]interface{} {
	now := p.nowFunc()
	return map[string]interface{}{
		"iss": p.Issuer(),
		"aud": p.clientID,
		"sub": p.replySubject,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(p.replyExpiry).Unix(),
	}
}

// ServeHTTP implements the provider's endpoints.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch {
	case strings.HasSuffix(req.URL.Path, "/.well-known/openid-configuration"):
		p.writeJSON(w, http.StatusOK, map[string]interface{}{
			"issuer":                 p.Issuer(),
			"authorization_endpoint": p.Addr() + "/oauth2/v2.0/authorize",
			"token_endpoint":         p.Addr() + "/oauth2/v2.0/token",
			"end_session_endpoint":   p.Addr() + "/oauth2/v2.0/logout",
			"jwks_uri":               p.Addr() + "/discovery/v2.0/keys",
		})
	case strings.HasSuffix(req.URL.Path, "/discovery/v2.0/keys"):
		p.serveJWKS(w)
	case strings.HasSuffix(req.URL.Path, "/oauth2/v2.0/token"):
		p.serveToken(w, req)
	default:
		http.NotFound(w, req)
	}
}

func (p *TestProvider) serveJWKS(w http.ResponseWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disableJWKs {
		p.writeJSON(w, http.StatusOK, map[string]interface{}{"keys": []interface{}{}})
		return
	}
	pub := p.privKey.PublicKey
	p.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": []map[string]string{{
			"kid": p.keyID,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (p *TestProvider) serveToken(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		p.tokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tokenErrorCode != "" {
		status := p.tokenErrorStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		p.tokenError(w, status, p.tokenErrorCode, p.tokenErrorDesc)
		return
	}
	if req.PostFormValue("client_id") != p.clientID || req.PostFormValue("client_secret") != p.clientSecret {
		p.tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch grant := req.PostFormValue("grant_type"); grant {
	case "authorization_code":
		if req.PostFormValue("code") != p.expectedAuthCode {
			p.tokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected authorization code")
			return
		}
	case "refresh_token":
		if req.PostFormValue("refresh_token") != p.expectedRefreshToken {
			p.tokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected refresh token")
			return
		}
	default:
		p.tokenError(w, http.StatusBadRequest, "unsupported_grant_type", grant)
		return
	}

	scope := apiScope(req.PostFormValue("scope"))
	now := p.nowFunc()

	accessClaims := p.baseClaims()
	accessClaims["scp"] = scope
	if p.expectedAuthNonce != "" {
		accessClaims["nonce"] = p.expectedAuthNonce
	}
	accessToken := TestSignJWT(p.t, p.privKey, p.keyID, accessClaims)

	idClaims := p.baseClaims()
	if p.expectedAuthNonce != "" {
		idClaims["nonce"] = p.expectedAuthNonce
	}
	idClaims["at_hash"] = TestHash(p.t, accessToken)
	for k, v := range p.customClaims {
		idClaims[k] = v
	}
	idToken := TestSignJWT(p.t, p.privKey, p.keyID, idClaims)

	reply := map[string]interface{}{
		"token_type": "Bearer",
		"scope":      req.PostFormValue("scope"),
		"expires_in": strconv.FormatInt(int64(p.replyExpiry/time.Second), 10),
		"not_before": strconv.FormatInt(now.Unix(), 10),
	}
	if !p.omitAccessToken {
		reply["access_token"] = accessToken
	}
	if !p.omitIDToken {
		reply["id_token"] = idToken
	}
	if !p.omitRefreshToken {
		reply["refresh_token"] = p.replyRefreshToken
		reply["refresh_token_expires_in"] = strconv.FormatInt(p.refreshExpiresIn, 10)
	}
	p.writeJSON(w, http.StatusOK, reply)
}

func (p *TestProvider) tokenError(w http.ResponseWriter, status int, code, description string) {
	p.writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		p.t.Errorf("unable to encode %v: %s", body, err)
		p.t.FailNow()
	}
}

// apiScope picks the target api scope out of a space separated scope
// parameter, skipping the protocol scopes.
func apiScope(scopes string) string {
	for _, s := range strings.Fields(scopes) {
		if s != "openid" && s != "offline_access" {
			return s
		}
	}
	return ""
}
