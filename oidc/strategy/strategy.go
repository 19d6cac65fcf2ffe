// Package strategy adapts an oidc.Flow to net/http: an authentication
// handler that drives the multi-scope login, a logout handler, request
// context plumbing for the resulting token bundle, and a middleware that
// transparently refreshes access tokens before they expire.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/multiscope/oidcflow/oidc"
)

var (
	// ErrSessionSupportRequired means no session key could be derived for
	// the request, so there is nowhere to persist login state.
	ErrSessionSupportRequired = errors.New("session support is required")

	// ErrVerifier wraps errors raised by the caller-supplied verifier.
	ErrVerifier = errors.New("verifier failed")
)

// SessionKeyFunc derives the per-user session key a request's login state
// is persisted under, typically from a session cookie.
type SessionKeyFunc func(req *http.Request) string

// Verifier is caller-supplied completion code, run once a login produces a
// terminal token bundle and before the success response is written.  A
// non-nil error fails the authentication.
type Verifier func(ctx context.Context, tokens *oidc.TokenBundle) error

// SuccessResponseFunc writes the response for a completed authentication.
type SuccessResponseFunc func(tokens *oidc.TokenBundle, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc writes the response for a failed authentication.  The
// error is one of the oidc package's typed errors, an *oidc.IdPError, or a
// wrapped ErrVerifier.
type ErrorResponseFunc func(err error, w http.ResponseWriter, req *http.Request)

// Strategy bridges an oidc.Flow to an HTTP request/response cycle.
type Strategy struct {
	flow       *oidc.Flow
	sessionKey SessionKeyFunc
	verifier   Verifier
	logger     hclog.Logger
}

// New creates a Strategy.  The flow and session key func are required;
// missing collaborators are fatal setup errors, reported here rather than
// per request.  The verifier is optional.
func New(flow *oidc.Flow, sessionKey SessionKeyFunc, verifier Verifier) (*Strategy, error) {
	const op = "strategy.New"
	if flow == nil {
		return nil, fmt.Errorf("%s: flow is nil: %w", op, oidc.ErrNilParameter)
	}
	if sessionKey == nil {
		return nil, fmt.Errorf("%s: session key func is nil: %w", op, ErrSessionSupportRequired)
	}
	logger := flow.Config().Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Strategy{
		flow:       flow,
		sessionKey: sessionKey,
		verifier:   verifier,
		logger:     logger,
	}, nil
}

// Authenticate returns the handler that drives the login flow.  Mount it
// on both the login entry point and the reply URL: each request advances
// the flow one step, redirecting back to the provider until every
// configured scope has a token, then runs the verifier and the success
// func with the terminal bundle.  Errors run the error func after the
// persisted login context has been destroyed.
func (s *Strategy) Authenticate(sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "strategy.(Strategy).Authenticate"
	if sFn == nil {
		return nil, fmt.Errorf("%s: success response func is nil: %w", op, oidc.ErrNilParameter)
	}
	if eFn == nil {
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, oidc.ErrNilParameter)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		key := s.sessionKey(req)
		if key == "" {
			eFn(fmt.Errorf("%s: no session key for request: %w", op, ErrSessionSupportRequired), w, req)
			return
		}
		if err := req.ParseForm(); err != nil {
			eFn(fmt.Errorf("%s: unable to parse request parameters: %v: %w", op, err, oidc.ErrInvalidParameter), w, req)
			return
		}

		result, err := s.flow.Next(ctx, &oidc.CallbackRequest{
			Method:      req.Method,
			Params:      req.Form,
			SessionName: key,
		})
		if err != nil {
			s.logger.Error("authentication failed", "error", err)
			eFn(err, w, req)
			return
		}
		if result.Redirect() {
			http.Redirect(w, req, result.RedirectURL, http.StatusFound)
			return
		}
		if s.verifier != nil {
			if err := s.verifier(ctx, result.Tokens); err != nil {
				if clearErr := s.flow.ClearSession(ctx, key); clearErr != nil {
					s.logger.Error("unable to clear session after verifier failure", "error", clearErr)
				}
				eFn(fmt.Errorf("%s: %v: %w", op, err, ErrVerifier), w, req)
				return
			}
		}
		sFn(result.Tokens, w, req)
	}, nil
}

// Logout returns a handler that clears the request's persisted login
// state and redirects to the provider's centralized logout endpoint.
func (s *Strategy) Logout(eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "strategy.(Strategy).Logout"
	if eFn == nil {
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, oidc.ErrNilParameter)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if key := s.sessionKey(req); key != "" {
			if err := s.flow.ClearSession(ctx, key); err != nil {
				s.logger.Error("unable to clear session on logout", "error", err)
			}
		}
		u, err := s.flow.LogoutURL(ctx)
		if err != nil {
			eFn(err, w, req)
			return
		}
		http.Redirect(w, req, u, http.StatusFound)
	}, nil
}

type contextKey int

const tokenBundleKey contextKey = iota

// WithTokenBundle returns a context carrying the token bundle, usually set
// by a session-loading middleware after a completed login.
func WithTokenBundle(ctx context.Context, tokens *oidc.TokenBundle) context.Context {
	return context.WithValue(ctx, tokenBundleKey, tokens)
}

// TokenBundleFromContext returns the token bundle carried in the context.
func TokenBundleFromContext(ctx context.Context) (*oidc.TokenBundle, bool) {
	tokens, ok := ctx.Value(tokenBundleKey).(*oidc.TokenBundle)
	return tokens, ok && tokens != nil
}

// ScopeToken returns the context bundle's access token record for the
// scope, or nil.
func ScopeToken(ctx context.Context, scope string) *oidc.AccessTokenRecord {
	tokens, ok := TokenBundleFromContext(ctx)
	if !ok {
		return nil
	}
	return tokens.AccessTokens[scope]
}
