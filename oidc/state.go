package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// SessionStore is the key-value contract persisted flow state depends on.
// Implementations are typically backed by a cookie session or an external
// cache; this library never assumes anything beyond these three
// operations.  Get returns nil data (and no error) when nothing is stored
// under the key.
type SessionStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Destroy(ctx context.Context, key string) error
}

// sessionNamespace prefixes every key this library writes, so a logical
// session name never collides with the host application's own session
// data.
const sessionNamespace = "oidcflow"

func sessionKey(sessionName string) string {
	return sessionNamespace + ":" + sessionName
}

// FlowState is the login context persisted between the round trips of one
// logical login.  It is keyed by the session name and correlated to the
// provider by the single-use State value, which is regenerated for every
// phase.
type FlowState struct {
	// State is the single-use correlation id bound to the in-flight
	// authorization request.  Once a return consumes it, it is never
	// reused for another phase.
	State string `json:"state"`

	// Nonce is bound to the identity token requested in this phase.
	Nonce string `json:"nonce"`

	// CurrentScope is the api scope being negotiated, empty during an
	// identity-only login or once every scope is done.
	CurrentScope string `json:"current_scope,omitempty"`

	// IDToken is the last validated identity token, absent until the
	// first validation succeeds.
	IDToken       IDToken                `json:"id_token,omitempty"`
	IDTokenClaims map[string]interface{} `json:"id_token_claims,omitempty"`

	// AccessTokens holds one record per negotiated scope.  A new
	// negotiation for a scope replaces the previous record.
	AccessTokens map[string]*AccessTokenRecord `json:"access_tokens,omitempty"`

	// OriginalQuery and CallerState restore the caller's context after
	// the round trips to the provider.
	OriginalQuery url.Values             `json:"original_query,omitempty"`
	CallerState   map[string]interface{} `json:"caller_state,omitempty"`

	// Metadata is an optional snapshot of the provider metadata with its
	// expiry, so subsequent phases of the same login skip re-resolving.
	Metadata *Metadata `json:"metadata,omitempty"`
}

// loadState reads the persisted flow state for the session name, returning
// nil when none exists.
func loadState(ctx context.Context, store SessionStore, sessionName string) (*FlowState, error) {
	const op = "oidc.loadState"
	data, err := store.Get(ctx, sessionKey(sessionName))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read session: %w", op, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var st FlowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%s: unable to decode persisted state: %w", op, err)
	}
	return &st, nil
}

// saveState persists the flow state under the session name.
func saveState(ctx context.Context, store SessionStore, sessionName string, st *FlowState) error {
	const op = "oidc.saveState"
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%s: unable to encode state: %w", op, err)
	}
	if err := store.Set(ctx, sessionKey(sessionName), data); err != nil {
		return fmt.Errorf("%s: unable to write session: %w", op, err)
	}
	return nil
}

// destroyState clears the namespaced flow state for the session name.
func destroyState(ctx context.Context, store SessionStore, sessionName string) error {
	const op = "oidc.destroyState"
	if err := store.Destroy(ctx, sessionKey(sessionName)); err != nil {
		return fmt.Errorf("%s: unable to destroy session: %w", op, err)
	}
	return nil
}
