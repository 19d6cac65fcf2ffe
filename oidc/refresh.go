package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RefreshStrategy decides whether an access token should be refreshed now.
// Strategies are pure functions of the token's timing data and never
// inspect the token itself.
type RefreshStrategy func(now, issuedAt, expiresAt time.Time, lifetime time.Duration) bool

// RefreshWhenHalfLife refreshes once more than half of the token's
// lifetime has elapsed.  This is the default strategy: it leaves a wide
// margin before expiry while keeping refresh traffic to roughly one call
// per half-lifetime.
func RefreshWhenHalfLife(now, issuedAt, expiresAt time.Time, lifetime time.Duration) bool {
	if issuedAt.IsZero() || lifetime <= 0 {
		return true
	}
	return now.Sub(issuedAt) > lifetime/2
}

// RefreshWhenWithin returns a strategy that refreshes once the token is
// within d of expiring.
func RefreshWhenWithin(d time.Duration) RefreshStrategy {
	return func(now, issuedAt, expiresAt time.Time, lifetime time.Duration) bool {
		if expiresAt.IsZero() {
			return true
		}
		return expiresAt.Sub(now) < d
	}
}

// ShouldRefresh applies the strategy to the record.  A nil strategy means
// RefreshWhenHalfLife.  Records with no refresh token never qualify.
func ShouldRefresh(rec *AccessTokenRecord, strategy RefreshStrategy, now time.Time) bool {
	if rec == nil || rec.RefreshToken == "" {
		return false
	}
	if strategy == nil {
		strategy = RefreshWhenHalfLife
	}
	return strategy(now, rec.IssuedAt, rec.ExpiresAt, time.Duration(rec.LifetimeSeconds)*time.Second)
}

// Refresh exchanges the record's refresh token for a fresh access token
// for the record's scope, validating the returned tokens against current
// provider metadata before handing back a new record.  The input record is
// not modified.
func (f *Flow) Refresh(ctx context.Context, rec *AccessTokenRecord) (*AccessTokenRecord, error) {
	const op = "oidc.Flow.Refresh"
	if rec == nil {
		return nil, fmt.Errorf("%s: token record is nil: %w", op, ErrNilParameter)
	}
	if rec.RefreshToken == "" {
		return nil, fmt.Errorf("%s: token record for scope %q has no refresh token: %w", op, rec.Scope, ErrMissingRefreshToken)
	}
	now := f.now()
	if !rec.RefreshTokenExpiresAt.IsZero() && now.After(rec.RefreshTokenExpiresAt) {
		return nil, fmt.Errorf("%s: refresh token for scope %q expired %s: %w", op, rec.Scope, rec.RefreshTokenExpiresAt.Format(time.RFC3339), ErrRefreshTokenExpired)
	}

	meta, err := f.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := f.refreshGrant(ctx, meta, rec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	opts := ValidationOptions{
		Issuer:   meta.Issuer,
		Audience: f.config.ClientID,
		Keys:     meta.Keys,
		now:      f.nowFunc,
	}
	idDecoded, atDecoded, err := ValidateIDTokenWithAccessToken(resp.IDToken, resp.AccessToken, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fresh := f.newRecord(rec.Scope, resp, idDecoded, atDecoded)
	if fresh.RefreshToken == "" {
		// provider kept the old refresh token alive instead of rotating it
		fresh.RefreshToken = rec.RefreshToken
		fresh.RefreshTokenExpiresAt = rec.RefreshTokenExpiresAt
	}
	f.logger.Debug("refreshed access token", "scope", rec.Scope)
	return fresh, nil
}

// refreshGrant performs the refresh_token grant against the token
// endpoint.  The grant's scope parameter is "offline_access <scope>" so
// the response carries a rotated refresh token alongside the new access
// token.
func (f *Flow) refreshGrant(ctx context.Context, meta *Metadata, rec *AccessTokenRecord) (*tokenResponse, error) {
	const op = "oidc.Flow.refreshGrant"

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {f.config.ClientID},
		"client_secret": {string(f.config.ClientSecret)},
		"redirect_uri":  {f.config.ReplyURL},
		"scope":         {strings.Join([]string{"offline_access", rec.Scope}, " ")},
		"refresh_token": {string(rec.RefreshToken)},
	}
	body, status, err := doRequest(ctx, f.client, meta.TokenEndpoint, form)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: token endpoint: %w", op, ErrRequestTimeout)
		}
		if idpErr := idpErrorFromBody(body, ErrRefreshAccessTokenRequest); idpErr != nil {
			return nil, fmt.Errorf("%s: %w", op, idpErr)
		}
		return nil, fmt.Errorf("%s: token endpoint returned %d: %v: %w", op, status, err, ErrRefreshAccessTokenRequest)
	}

	var payload struct {
		AccessToken           string      `json:"access_token"`
		IDToken               string      `json:"id_token"`
		RefreshToken          string      `json:"refresh_token"`
		ExpiresIn             interface{} `json:"expires_in"`
		RefreshTokenExpiresIn interface{} `json:"refresh_token_expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%s: unable to parse token endpoint response: %v: %w", op, err, ErrRefreshAccessTokenRequest)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is missing from refresh response: %w", op, ErrRefreshAccessTokenRequest)
	}
	if payload.IDToken == "" {
		return nil, fmt.Errorf("%s: id_token is missing from refresh response: %w", op, ErrMissingIDToken)
	}
	return &tokenResponse{
		AccessToken:           payload.AccessToken,
		IDToken:               payload.IDToken,
		RefreshToken:          payload.RefreshToken,
		ExpiresIn:             extraInt64(payload.ExpiresIn),
		RefreshTokenExpiresIn: extraInt64(payload.RefreshTokenExpiresIn),
	}, nil
}
