package oidc

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlow(t *testing.T, p *TestProvider, store SessionStore, opt ...Option) *Flow {
	t.Helper()
	require := require.New(t)
	c, err := NewConfig("test-client-id", "test-client-secret", "http://localhost/callback",
		append([]Option{WithDiscoveryURL(p.DiscoveryURL())}, opt...)...)
	require.NoError(err)
	f, err := NewFlow(c, store)
	require.NoError(err)
	return f
}

// authParams parses the state and nonce out of a provider redirect URL.
func authParams(t *testing.T, redirectURL string) (state, nonce string, query url.Values) {
	t.Helper()
	require := require.New(t)
	u, err := url.Parse(redirectURL)
	require.NoError(err)
	q := u.Query()
	require.NotEmpty(q.Get("state"))
	require.NotEmpty(q.Get("nonce"))
	return q.Get("state"), q.Get("nonce"), q
}

func loginReturn(state, idToken, code string) url.Values {
	v := url.Values{
		"state":    {state},
		"id_token": {idToken},
	}
	if code != "" {
		v.Set("code", code)
	}
	return v
}

func TestNewFlow(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	c, err := NewConfig("test-client-id", "test-client-secret", "http://localhost/callback")
	require.NoError(err)

	f, err := NewFlow(nil, NewTestSessionStore())
	require.Error(err)
	assert.Nil(f)
	assert.ErrorIs(err, ErrNilParameter)

	f, err = NewFlow(c, nil)
	require.Error(err)
	assert.Nil(f)
	assert.ErrorIs(err, ErrNilParameter)

	f, err = NewFlow(c, NewTestSessionStore())
	require.NoError(err)
	assert.NotNil(f)
}

func TestFlow_IdentityOnlyLogin(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store)

	res, err := f.Next(ctx, &CallbackRequest{
		Method:      http.MethodGet,
		Params:      url.Values{"returnTo": {"/app"}},
		SessionName: "sess-1",
		CallerState: map[string]interface{}{"cart": "abc123"},
	})
	require.NoError(err)
	require.True(res.Redirect())
	assert.Equal(1, store.Len())

	state, nonce, q := authParams(t, res.RedirectURL)
	assert.Equal("code id_token", q.Get("response_type"))
	assert.Equal(ResponseModeFormPost, q.Get("response_mode"))
	assert.Equal("test-client-id", q.Get("client_id"))
	assert.Equal("http://localhost/callback", q.Get("redirect_uri"))
	assert.Equal("openid offline_access", q.Get("scope"))

	idToken := p.SignIDToken(nonce, "", map[string]interface{}{"name": "Test User"})
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state, idToken, ""),
		SessionName: "sess-1",
	})
	require.NoError(err)
	require.False(res.Redirect())
	require.NotNil(res.Tokens)
	assert.Equal(IDToken(idToken), res.Tokens.IDToken)
	assert.Equal("Test User", res.Tokens.IDTokenClaims["name"])
	assert.Empty(res.Tokens.AccessTokens)
	assert.Equal("/app", res.Tokens.OriginalQuery.Get("returnTo"))
	assert.Equal("abc123", res.Tokens.CallerState["cart"])
	assert.Zero(store.Len())
}

func TestFlow_MultiScopeLogin(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store, WithAPIScopes("scopeA", "scopeB"))

	// initial redirect requests scopeA first
	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	require.True(res.Redirect())
	state1, nonce1, q1 := authParams(t, res.RedirectURL)
	assert.Equal("openid offline_access scopeA", q1.Get("scope"))

	// returning with a valid id token and code yields the next redirect,
	// for scopeB, with a brand new state and nonce
	p.SetExpectedAuthCode("code-A")
	p.SetExpectedAuthNonce(nonce1)
	idToken1 := p.SignIDToken(nonce1, "code-A", nil)
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state1, idToken1, "code-A"),
		SessionName: "sess-1",
	})
	require.NoError(err)
	require.True(res.Redirect())
	state2, nonce2, q2 := authParams(t, res.RedirectURL)
	assert.Equal("openid offline_access scopeB", q2.Get("scope"))
	assert.NotEqual(state1, state2)
	assert.NotEqual(nonce1, nonce2)

	// second return completes the flow
	p.SetExpectedAuthCode("code-B")
	p.SetExpectedAuthNonce(nonce2)
	idToken2 := p.SignIDToken(nonce2, "code-B", nil)
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state2, idToken2, "code-B"),
		SessionName: "sess-1",
	})
	require.NoError(err)
	require.False(res.Redirect())
	require.NotNil(res.Tokens)
	require.Len(res.Tokens.AccessTokens, 2)
	assert.Zero(store.Len())

	for _, scope := range []string{"scopeA", "scopeB"} {
		rec := res.Tokens.AccessTokens[scope]
		require.NotNil(rec)
		assert.Equal(scope, rec.Scope)
		assert.NotEmpty(rec.Token)
		assert.Equal(scope, rec.Claims["scp"])
		assert.Equal(RefreshToken("test-refresh-token"), rec.RefreshToken)
		assert.Equal(int64(3600), rec.LifetimeSeconds)
		assert.False(rec.Expired(f.now()))
		assert.False(rec.RefreshTokenExpiresAt.IsZero())
	}
}

func TestFlow_IdPErrorDestroysContext(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store, WithAPIScopes("scopeA"))

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state1, nonce1, _ := authParams(t, res.RedirectURL)

	res, err = f.Next(ctx, &CallbackRequest{
		Method: http.MethodPost,
		Params: url.Values{
			"error":             {"access_denied"},
			"error_description": {"AADB2C90091: The user has cancelled."},
			"state":             {state1},
		},
		SessionName: "sess-1",
	})
	require.Error(err)
	assert.Nil(res)
	assert.ErrorIs(err, ErrAuthCodeRequest)
	var idpErr *IdPError
	require.ErrorAs(err, &idpErr)
	assert.Equal("access_denied", idpErr.Code)
	assert.Contains(idpErr.Description, "cancelled")
	assert.Zero(store.Len())

	// a restart must mint fresh correlation values, never reuse the failed
	// ones
	res, err = f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state2, nonce2, _ := authParams(t, res.RedirectURL)
	assert.NotEqual(state1, state2)
	assert.NotEqual(nonce1, nonce2)
}

func TestFlow_StateIsSingleUse(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store)

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state, nonce, _ := authParams(t, res.RedirectURL)
	idToken := p.SignIDToken(nonce, "", nil)
	ret := &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state, idToken, ""),
		SessionName: "sess-1",
	}

	res, err = f.Next(ctx, ret)
	require.NoError(err)
	require.NotNil(res.Tokens)

	// replaying the same return must fail: the state was consumed
	res, err = f.Next(ctx, ret)
	require.Error(err)
	assert.Nil(res)
	assert.ErrorIs(err, ErrInvalidInternalState)
}

func TestFlow_MismatchedState(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store)

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	_, nonce, _ := authParams(t, res.RedirectURL)

	idToken := p.SignIDToken(nonce, "", nil)
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn("st_forged", idToken, ""),
		SessionName: "sess-1",
	})
	require.Error(err)
	assert.Nil(res)
	assert.ErrorIs(err, ErrInvalidInternalState)
	assert.Zero(store.Len())
}

func TestFlow_NonceMismatch(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store)

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state, _, _ := authParams(t, res.RedirectURL)

	idToken := p.SignIDToken("n_other", "", nil)
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state, idToken, ""),
		SessionName: "sess-1",
	})
	require.Error(err)
	assert.Nil(res)
	assert.ErrorIs(err, ErrVerification)
	assert.Zero(store.Len())
}

func TestFlow_TokenEndpointError(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store, WithAPIScopes("scopeA"))

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state, nonce, _ := authParams(t, res.RedirectURL)

	p.SetTokenError("invalid_grant", "AADB2C90080: the code has expired", http.StatusBadRequest)
	idToken := p.SignIDToken(nonce, "code-A", nil)
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state, idToken, "code-A"),
		SessionName: "sess-1",
	})
	require.Error(err)
	assert.Nil(res)
	assert.ErrorIs(err, ErrAccessTokenRequest)
	var idpErr *IdPError
	require.ErrorAs(err, &idpErr)
	assert.Equal("invalid_grant", idpErr.Code)
	assert.Zero(store.Len())
}

func TestFlow_MissingIDTokenInExchange(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store, WithAPIScopes("scopeA"))

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state, nonce, _ := authParams(t, res.RedirectURL)

	p.SetExpectedAuthCode("code-A")
	p.SetExpectedAuthNonce(nonce)
	p.SetOmitIDToken(true)
	idToken := p.SignIDToken(nonce, "code-A", nil)
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state, idToken, "code-A"),
		SessionName: "sess-1",
	})
	require.Error(err)
	assert.Nil(res)
	assert.ErrorIs(err, ErrMissingIDToken)
	assert.Zero(store.Len())
}

func TestFlow_QueryResponseMode(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store, WithResponseMode(ResponseModeQuery), WithoutRefreshTokens())

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state, nonce, q := authParams(t, res.RedirectURL)
	assert.Equal(ResponseModeQuery, q.Get("response_mode"))
	assert.Equal("openid", q.Get("scope"))

	// the return arrives as a GET in query mode
	idToken := p.SignIDToken(nonce, "", nil)
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodGet,
		Params:      loginReturn(state, idToken, ""),
		SessionName: "sess-1",
	})
	require.NoError(err)
	require.NotNil(res.Tokens)
	assert.Equal(IDToken(idToken), res.Tokens.IDToken)
}

func TestFlow_MetadataSnapshotReuse(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()
	store := NewTestSessionStore()
	f := testFlow(t, p, store, WithMetadataTTL(5*time.Minute))

	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	state, nonce, _ := authParams(t, res.RedirectURL)

	st, err := loadState(ctx, store, "sess-1")
	require.NoError(err)
	require.NotNil(st.Metadata)
	assert.False(st.Metadata.Expired(f.now()))

	// the persisted state carries a metadata snapshot, so the return trip
	// works even after the provider's endpoints go away
	idToken := p.SignIDToken(nonce, "", nil)
	p.Stop()
	res, err = f.Next(ctx, &CallbackRequest{
		Method:      http.MethodPost,
		Params:      loginReturn(state, idToken, ""),
		SessionName: "sess-1",
	})
	require.NoError(err)
	require.NotNil(res.Tokens)
}

func TestFlow_LogoutURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()

	f := testFlow(t, p, NewTestSessionStore())
	u, err := f.LogoutURL(ctx)
	require.NoError(err)
	assert.Equal(p.Addr()+"/oauth2/v2.0/logout", u)

	f = testFlow(t, p, NewTestSessionStore(), WithLogoutRedirectURL("http://localhost/bye"))
	u, err = f.LogoutURL(ctx)
	require.NoError(err)
	assert.Equal("http://localhost/bye", u)
}

func TestFlow_RedirectURLEscaping(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	defer p.Stop()

	f := testFlow(t, p, NewTestSessionStore(), WithAPIScopes("https://api.example.com/read"))
	res, err := f.Next(ctx, &CallbackRequest{Method: http.MethodGet, Params: url.Values{}, SessionName: "sess-1"})
	require.NoError(err)
	require.True(res.Redirect())
	assert.True(strings.HasPrefix(res.RedirectURL, p.Addr()+"/oauth2/v2.0/authorize?"))
	_, _, q := authParams(t, res.RedirectURL)
	assert.Equal("openid offline_access https://api.example.com/read", q.Get("scope"))
}
