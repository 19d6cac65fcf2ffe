package strategy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/multiscope/oidcflow/oidc"
)

// TokenResolver locates the access token record a request should present,
// typically from the request context or the caller's session.
type TokenResolver func(req *http.Request) *oidc.AccessTokenRecord

// OnNewToken is called with the fresh record after a successful refresh,
// before the wrapped handler runs.  Callers persist it to their session
// here; a non-nil error fails the request.
type OnNewToken func(req *http.Request, fresh *oidc.AccessTokenRecord) error

// RefreshMiddleware returns a middleware keeping the access token for one
// scope fresh.  Per request it resolves the current record, applies the
// refresh strategy (nil means oidc.RefreshWhenHalfLife) and continues
// untouched when no refresh is due.  Otherwise it performs the refresh
// grant, hands the fresh record to onNewToken, updates the request
// context's token bundle and then continues.  Refresh failures run the
// error func and never reach the wrapped handler.
//
// A nil resolve defaults to looking the scope up in the request context's
// token bundle.
func (s *Strategy) RefreshMiddleware(scope string, rs oidc.RefreshStrategy, resolve TokenResolver, onNewToken OnNewToken, eFn ErrorResponseFunc) (func(http.Handler) http.Handler, error) {
	const op = "strategy.(Strategy).RefreshMiddleware"
	if eFn == nil {
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, oidc.ErrNilParameter)
	}
	if resolve == nil {
		if scope == "" {
			return nil, fmt.Errorf("%s: scope is required with the default token resolver: %w", op, oidc.ErrInvalidParameter)
		}
		resolve = func(req *http.Request) *oidc.AccessTokenRecord {
			return ScopeToken(req.Context(), scope)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rec := resolve(req)
			if !oidc.ShouldRefresh(rec, rs, time.Now()) {
				next.ServeHTTP(w, req)
				return
			}
			fresh, err := s.flow.Refresh(req.Context(), rec)
			if err != nil {
				s.logger.Error("token refresh failed", "scope", rec.Scope, "error", err)
				if key := s.sessionKey(req); key != "" {
					if clearErr := s.flow.ClearSession(req.Context(), key); clearErr != nil {
						s.logger.Error("unable to clear session after refresh failure", "error", clearErr)
					}
				}
				eFn(err, w, req)
				return
			}
			if onNewToken != nil {
				if err := onNewToken(req, fresh); err != nil {
					eFn(fmt.Errorf("%s: %v: %w", op, err, ErrVerifier), w, req)
					return
				}
			}
			if tokens, ok := TokenBundleFromContext(req.Context()); ok {
				tokens.AccessTokens[fresh.Scope] = fresh
			}
			next.ServeHTTP(w, req)
		})
	}, nil
}
