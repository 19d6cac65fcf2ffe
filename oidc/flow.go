package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// Flow drives a multi-scope OIDC authorization code login against the
// provider.  Each inbound request runs Next exactly once: it decides
// whether to redirect the user to the provider, exchange a returned code
// for an access token, advance to the next configured scope, or conclude
// the login with a terminal token bundle.
//
// A Flow holds no per-login state itself; everything between round trips
// is persisted through the SessionStore keyed by a session name, so
// concurrent logins by different users are isolated.
type Flow struct {
	config   *Config
	resolver *Resolver
	store    SessionStore
	client   *http.Client
	nowFunc  func() time.Time
	logger   hclog.Logger
}

// NewFlow creates a login flow for the config, persisting state through
// the given store.  A nil store is a fatal setup error: session support is
// required, and the failure surfaces here rather than per request.
// Supported options: WithNow, WithLogger.
func NewFlow(c *Config, store SessionStore, opt ...Option) (*Flow, error) {
	const op = "oidc.NewFlow"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if store == nil {
		return nil, fmt.Errorf("%s: session support is required: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid configuration: %w", op, err)
	}
	opts := getFlowOpts(opt...)

	client, err := c.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	resolver, err := NewResolver(c, WithNow(opts.withNowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create metadata resolver: %w", op, err)
	}
	logger := opts.withLogger
	if logger == nil {
		logger = c.Logger
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Flow{
		config:   c,
		resolver: resolver,
		store:    store,
		client:   client,
		nowFunc:  opts.withNowFunc,
		logger:   logger,
	}, nil
}

// Config returns the flow's configuration.
func (f *Flow) Config() *Config { return f.config }

// Resolver returns the flow's metadata resolver.
func (f *Flow) Resolver() *Resolver { return f.resolver }

func (f *Flow) now() time.Time {
	if f.nowFunc != nil {
		return f.nowFunc()
	}
	return time.Now()
}

// CallbackRequest carries the inbound request data the state machine needs:
// the HTTP method, the merged query/form parameters, and the logical
// session name keying the persisted login context.
type CallbackRequest struct {
	Method      string
	Params      url.Values
	SessionName string

	// CallerState is optional application data attached when the login
	// starts; it survives the round trips and rides on the terminal token
	// bundle.
	CallerState map[string]interface{}
}

// Get returns the named request parameter, or "".
func (r *CallbackRequest) Get(name string) string {
	if r == nil || r.Params == nil {
		return ""
	}
	return r.Params.Get(name)
}

// Result is the outcome of one step of the login flow: either a redirect
// to the provider (non-terminal) or a terminal token bundle.  Failures are
// reported as errors from Next, never as a Result.
type Result struct {
	// RedirectURL is the provider authorization URL the user must be sent
	// to next.  Empty on a terminal result.
	RedirectURL string

	// Tokens is the terminal token bundle.  Nil while the flow still has
	// round trips to perform.
	Tokens *TokenBundle
}

// Redirect reports whether the result is a non-terminal redirect.
func (r *Result) Redirect() bool { return r != nil && r.RedirectURL != "" }

// Next advances the login flow one step for the inbound request.  On any
// validation or protocol error the persisted context is destroyed before
// the error propagates, so a failed or tampered login can never be
// resumed or replayed; the user restarts from the login entry point.
func (f *Flow) Next(ctx context.Context, req *CallbackRequest) (*Result, error) {
	const op = "oidc.Flow.Next"
	if req == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if req.SessionName == "" {
		return nil, fmt.Errorf("%s: session name is empty: %w", op, ErrInvalidParameter)
	}

	st, err := loadState(ctx, f.store, req.SessionName)
	if err == nil {
		var result *Result
		result, err = f.next(ctx, req, st)
		if err == nil {
			return result, nil
		}
	}
	if destroyErr := destroyState(ctx, f.store, req.SessionName); destroyErr != nil {
		f.logger.Error("unable to clear login context after failure", "error", destroyErr)
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

func (f *Flow) next(ctx context.Context, req *CallbackRequest, st *FlowState) (*Result, error) {
	if code := req.Get("error"); code != "" {
		return nil, &IdPError{
			Code:        code,
			Description: req.Get("error_description"),
			Err:         ErrAuthCodeRequest,
		}
	}
	if f.isLoginReturn(req) {
		return f.processReturn(ctx, req, st)
	}
	return f.beginLogin(ctx, req, st)
}

// isLoginReturn detects the user returning from the provider: the request
// must carry id_token and state, delivered via the configured response
// mode (form-encoded POST or GET query).
func (f *Flow) isLoginReturn(req *CallbackRequest) bool {
	wantMethod := http.MethodPost
	if f.config.ResponseMode == ResponseModeQuery {
		wantMethod = http.MethodGet
	}
	if req.Method != wantMethod {
		return false
	}
	return req.Get("id_token") != "" && req.Get("state") != ""
}

// beginLogin starts the first or any subsequent per-scope authorization
// round trip: it regenerates state and nonce, persists the new context and
// returns the authorization URL to redirect the user to.
func (f *Flow) beginLogin(ctx context.Context, req *CallbackRequest, st *FlowState) (*Result, error) {
	const op = "oidc.Flow.beginLogin"

	state, err := NewID("st")
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	nonce, err := NewID("n")
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}

	meta, err := f.metadata(ctx, st)
	if err != nil {
		return nil, err
	}

	scope := f.nextScope(st)
	newState := &FlowState{
		State:        state,
		Nonce:        nonce,
		CurrentScope: scope,
	}
	if st != nil {
		newState.IDToken = st.IDToken
		newState.IDTokenClaims = st.IDTokenClaims
		newState.AccessTokens = st.AccessTokens
		newState.OriginalQuery = st.OriginalQuery
		newState.CallerState = st.CallerState
	} else {
		// first visit: preserve the entry point's query and any caller
		// state so they can be restored once the flow completes
		if len(req.Params) > 0 {
			newState.OriginalQuery = req.Params
		}
		newState.CallerState = req.CallerState
	}
	if f.config.MetadataTTL > 0 {
		newState.Metadata = meta
	}
	if err := saveState(ctx, f.store, req.SessionName, newState); err != nil {
		return nil, err
	}

	f.logger.Debug("redirecting to provider", "scope", scope)
	return &Result{RedirectURL: f.authURL(meta, scope, state, nonce)}, nil
}

// processReturn handles the user returning from the provider.  The
// returned state is validated against the persisted context before any
// metadata lookup or token validation happens.
func (f *Flow) processReturn(ctx context.Context, req *CallbackRequest, st *FlowState) (*Result, error) {
	const op = "oidc.Flow.processReturn"

	if st == nil || st.State == "" || st.State != req.Get("state") {
		return nil, fmt.Errorf("%s: response state does not match a pending login: %w", op, ErrInvalidInternalState)
	}

	meta, err := f.metadata(ctx, st)
	if err != nil {
		return nil, err
	}
	opts := ValidationOptions{
		Issuer:   meta.Issuer,
		Audience: f.config.ClientID,
		Nonce:    st.Nonce,
		Keys:     meta.Keys,
		now:      f.nowFunc,
	}
	idToken := req.Get("id_token")
	code := req.Get("code")

	if st.CurrentScope == "" {
		// identity-only login, or every configured scope is already done
		decoded, err := ValidateIDToken(idToken, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if code != "" {
			if cHash, ok := decoded.StringClaim("c_hash"); ok {
				if err := validateHash(code, cHash); err != nil {
					return nil, fmt.Errorf("%s: authorization code does not match the c_hash claim: %w", op, err)
				}
			}
		}
		st.IDToken = IDToken(idToken)
		st.IDTokenClaims = decoded.Claims
		return f.finish(ctx, req, st)
	}

	if code == "" {
		return nil, fmt.Errorf("%s: authorization code missing from login return: %w", op, ErrAuthCodeRequest)
	}
	if _, err := ValidateIDTokenWithCode(code, idToken, opts); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := f.exchangeCode(ctx, meta, code, st.CurrentScope)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	idDecoded, atDecoded, err := ValidateIDTokenWithAccessToken(resp.IDToken, resp.AccessToken, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if st.AccessTokens == nil {
		st.AccessTokens = map[string]*AccessTokenRecord{}
	}
	st.AccessTokens[st.CurrentScope] = f.newRecord(st.CurrentScope, resp, idDecoded, atDecoded)
	st.IDToken = IDToken(resp.IDToken)
	st.IDTokenClaims = idDecoded.Claims
	f.logger.Debug("negotiated access token", "scope", st.CurrentScope)

	if f.nextScope(st) != "" {
		return f.beginLogin(ctx, req, st)
	}
	return f.finish(ctx, req, st)
}

// finish destroys the persisted context and produces the terminal bundle.
func (f *Flow) finish(ctx context.Context, req *CallbackRequest, st *FlowState) (*Result, error) {
	if err := destroyState(ctx, f.store, req.SessionName); err != nil {
		return nil, err
	}
	f.logger.Debug("login complete", "scopes", len(st.AccessTokens))
	return &Result{
		Tokens: &TokenBundle{
			IDToken:       st.IDToken,
			IDTokenClaims: st.IDTokenClaims,
			AccessTokens:  st.AccessTokens,
			OriginalQuery: st.OriginalQuery,
			CallerState:   st.CallerState,
		},
	}, nil
}

// nextScope returns the first configured scope with no negotiated record,
// or "" when every scope is done.  Scope order is significant and follows
// the configuration strictly.
func (f *Flow) nextScope(st *FlowState) string {
	for _, scope := range f.config.APIScopes {
		if st == nil || st.AccessTokens[scope] == nil {
			return scope
		}
	}
	return ""
}

// scopes is the scope parameter for the given target api scope: openid,
// optionally offline_access, then the target.
func (f *Flow) scopes(scope string) []string {
	s := []string{"openid"}
	if f.config.RequestRefreshTokens {
		s = append(s, "offline_access")
	}
	if scope != "" {
		s = append(s, scope)
	}
	return s
}

// metadata returns the snapshot carried in the flow state when it is still
// fresh, falling back to the process-wide resolver.
func (f *Flow) metadata(ctx context.Context, st *FlowState) (*Metadata, error) {
	if st != nil && st.Metadata != nil && !st.Metadata.Expired(f.now()) {
		return st.Metadata, nil
	}
	return f.resolver.Resolve(ctx)
}

func (f *Flow) oauth2Config(meta *Metadata, scope string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.config.ClientID,
		ClientSecret: string(f.config.ClientSecret),
		RedirectURL:  f.config.ReplyURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: f.scopes(scope),
	}
}

// authURL builds the provider authorization URL for one per-scope round
// trip.
func (f *Flow) authURL(meta *Metadata, scope, state, nonce string) string {
	return f.oauth2Config(meta, scope).AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_type", "code id_token"),
		oauth2.SetAuthURLParam("response_mode", f.config.ResponseMode),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
}

// tokenResponse is the provider's token endpoint response shape, shared by
// the authorization code exchange and the refresh grant.
type tokenResponse struct {
	AccessToken           string
	IDToken               string
	RefreshToken          string
	ExpiresIn             int64
	RefreshTokenExpiresIn int64
}

// exchangeCode exchanges the authorization code for the current scope's
// access token at the provider's token endpoint.
func (f *Flow) exchangeCode(ctx context.Context, meta *Metadata, code, scope string) (*tokenResponse, error) {
	const op = "oidc.Flow.exchangeCode"

	octx := context.WithValue(ctx, oauth2.HTTPClient, f.client)
	tok, err := f.oauth2Config(meta, scope).Exchange(octx, code,
		oauth2.SetAuthURLParam("scope", strings.Join(f.scopes(scope), " ")),
	)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if idpErr := idpErrorFromBody(retrieveErr.Body, ErrAccessTokenRequest); idpErr != nil {
				return nil, fmt.Errorf("%s: %w", op, idpErr)
			}
		}
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: token endpoint: %w", op, ErrRequestTimeout)
		}
		return nil, fmt.Errorf("%s: unable to exchange auth code: %v: %w", op, err, ErrAccessTokenRequest)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, ErrMissingIDToken)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is missing from auth code exchange: %w", op, ErrAccessTokenRequest)
	}
	return &tokenResponse{
		AccessToken:           tok.AccessToken,
		IDToken:               idToken,
		RefreshToken:          tok.RefreshToken,
		ExpiresIn:             extraInt64(tok.Extra("expires_in")),
		RefreshTokenExpiresIn: extraInt64(tok.Extra("refresh_token_expires_in")),
	}, nil
}

// newRecord derives an AccessTokenRecord from a token endpoint response
// and the validated tokens.  Lifetime data comes from the access token's
// iat/exp/nbf claims, with the response's expires_in as fallback.
func (f *Flow) newRecord(scope string, resp *tokenResponse, idDecoded, atDecoded *DecodedToken) *AccessTokenRecord {
	now := f.now()
	rec := &AccessTokenRecord{
		Token:         AccessToken(resp.AccessToken),
		Claims:        atDecoded.Claims,
		Scope:         scope,
		IDToken:       IDToken(resp.IDToken),
		IDTokenClaims: idDecoded.Claims,
		RefreshToken:  RefreshToken(resp.RefreshToken),
	}
	rec.IssuedAt = claimTime(atDecoded.Claims, "iat")
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = now
	}
	rec.NotBefore = claimTime(atDecoded.Claims, "nbf")
	rec.ExpiresAt = claimTime(atDecoded.Claims, "exp")
	switch {
	case resp.ExpiresIn > 0:
		rec.LifetimeSeconds = resp.ExpiresIn
	case !rec.ExpiresAt.IsZero():
		rec.LifetimeSeconds = int64(rec.ExpiresAt.Sub(rec.IssuedAt) / time.Second)
	}
	if rec.ExpiresAt.IsZero() && rec.LifetimeSeconds > 0 {
		rec.ExpiresAt = rec.IssuedAt.Add(time.Duration(rec.LifetimeSeconds) * time.Second)
	}
	if resp.RefreshToken != "" && resp.RefreshTokenExpiresIn > 0 {
		rec.RefreshTokenExpiresAt = now.Add(time.Duration(resp.RefreshTokenExpiresIn) * time.Second)
	}
	return rec
}

// ClearSession destroys any persisted login context for the session name.
func (f *Flow) ClearSession(ctx context.Context, sessionName string) error {
	const op = "oidc.Flow.ClearSession"
	if sessionName == "" {
		return fmt.Errorf("%s: session name is empty: %w", op, ErrInvalidParameter)
	}
	return destroyState(ctx, f.store, sessionName)
}

// LogoutURL returns the provider's centralized logout endpoint: the
// configured override when present, otherwise the metadata's
// end_session_endpoint.
func (f *Flow) LogoutURL(ctx context.Context) (string, error) {
	const op = "oidc.Flow.LogoutURL"
	if f.config.LogoutRedirectURL != "" {
		return f.config.LogoutRedirectURL, nil
	}
	meta, err := f.resolver.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if meta.EndSessionEndpoint == "" {
		return "", fmt.Errorf("%s: provider metadata has no end_session_endpoint: %w", op, ErrInvalidParameter)
	}
	return meta.EndSessionEndpoint, nil
}

// claimTime reads a numeric date claim (seconds since the epoch).
func claimTime(claims map[string]interface{}, name string) time.Time {
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}

// extraInt64 reads a numeric token response field that providers deliver
// as either a JSON number or a quoted string.
func extraInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// flowOptions is the set of available options for Flow functions.
type flowOptions struct {
	withNowFunc func() time.Time
	withLogger  hclog.Logger
}

// flowDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func flowDefaults() flowOptions {
	return flowOptions{}
}

// getFlowOpts gets the defaults and applies the opt overrides passed in.
func getFlowOpts(opt ...Option) flowOptions {
	opts := flowDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
