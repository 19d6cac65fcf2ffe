package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

// JSONWebKey is a single verification key from the provider's JWKS
// document, with the PEM-encoded public key derived from its modulus and
// exponent.
type JSONWebKey struct {
	KeyID    string `json:"kid"`
	KeyType  string `json:"kty"`
	Use      string `json:"use,omitempty"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`

	// PEM is the PKCS#1 encoding of the key, derived during resolution.
	PEM string `json:"pem,omitempty"`
}

// PublicKey parses the derived PEM back into an *rsa.PublicKey.
func (k *JSONWebKey) PublicKey() (*rsa.PublicKey, error) {
	return DecodePublicKeyPEM(k.PEM)
}

// Metadata is the provider's discovery document merged with its resolved
// verification keys.  A snapshot is immutable once returned by a Resolver;
// refreshes replace the whole value rather than mutating it in place.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri"`

	Keys []*JSONWebKey `json:"jwks,omitempty"`

	// ExpiresAt is zero when metadata caching is disabled.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// KeyFor returns the verification key whose key id matches kid, or nil.
func (m *Metadata) KeyFor(kid string) *JSONWebKey {
	for _, k := range m.Keys {
		if k.KeyID == kid {
			return k
		}
	}
	return nil
}

// Expired reports whether the snapshot's TTL has passed at t.  Snapshots
// without an expiry (caching disabled) are always expired.
func (m *Metadata) Expired(t time.Time) bool {
	if m == nil || m.ExpiresAt.IsZero() {
		return true
	}
	return m.ExpiresAt.Before(t)
}

// Resolver fetches and caches provider metadata.  The cached snapshot is
// replaced wholesale on refresh, so concurrent readers never observe a
// partially updated value, and concurrent misses are collapsed into a
// single fetch.
type Resolver struct {
	config  *Config
	client  *http.Client
	nowFunc func() time.Time

	mu     sync.RWMutex
	cached *Metadata

	group singleflight.Group
}

// NewResolver creates a metadata resolver for the given config.  Supported
// options: WithNow.
func NewResolver(c *Config, opt ...Option) (*Resolver, error) {
	const op = "oidc.NewResolver"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid configuration: %w", op, err)
	}
	client, err := c.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	opts := getResolverOpts(opt...)
	return &Resolver{
		config:  c,
		client:  client,
		nowFunc: opts.withNowFunc,
	}, nil
}

// now returns the current time using the resolver's injected clock.
func (r *Resolver) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

// Resolve returns the provider's metadata, fetching the discovery and JWKS
// documents on a cache miss or once the configured TTL has expired.  With
// no TTL configured every call re-fetches.  Failures wrap
// ErrMetadataRequest; a timed-out call wraps ErrRequestTimeout instead.
func (r *Resolver) Resolve(ctx context.Context) (*Metadata, error) {
	const op = "oidc.Resolver.Resolve"

	if r.config.MetadataTTL > 0 {
		r.mu.RLock()
		cached := r.cached
		r.mu.RUnlock()
		if cached != nil && !cached.Expired(r.now()) {
			return cached, nil
		}
	}

	v, err, _ := r.group.Do("metadata", func() (interface{}, error) {
		m, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if r.config.MetadataTTL > 0 {
			m.ExpiresAt = r.now().Add(r.config.MetadataTTL)
			r.mu.Lock()
			r.cached = m
			r.mu.Unlock()
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.(*Metadata), nil
}

// fetch retrieves the discovery document and the JWKS document it
// references, converting every key to its PEM form.
func (r *Resolver) fetch(ctx context.Context) (*Metadata, error) {
	const op = "oidc.Resolver.fetch"

	body, _, err := doRequest(ctx, r.client, r.config.DiscoveryEndpoint(), nil)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: discovery document: %v: %w", op, err, ErrMetadataRequest)
	}

	var m Metadata
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%s: unable to parse discovery document: %v: %w", op, err, ErrMetadataRequest)
	}
	if m.Issuer == "" || m.AuthorizationEndpoint == "" || m.TokenEndpoint == "" || m.JWKSURI == "" {
		return nil, fmt.Errorf("%s: discovery document is missing endpoints: %w", op, ErrMetadataRequest)
	}

	body, _, err = doRequest(ctx, r.client, m.JWKSURI, nil)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: JWKS document: %v: %w", op, err, ErrMetadataRequest)
	}

	var keySet struct {
		Keys []*JSONWebKey `json:"keys"`
	}
	if err := json.Unmarshal(body, &keySet); err != nil {
		return nil, fmt.Errorf("%s: unable to parse JWKS document: %v: %w", op, err, ErrMetadataRequest)
	}
	if len(keySet.Keys) == 0 {
		return nil, fmt.Errorf("%s: JWKS document contains no keys: %w", op, ErrMetadataRequest)
	}

	var result *multierror.Error
	for _, k := range keySet.Keys {
		pem, err := EncodePublicKeyPEM(k.Modulus, k.Exponent)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: key %q: %w", op, k.KeyID, err))
			continue
		}
		k.PEM = pem
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%s: unable to convert JWKS keys: %v: %w", op, err, ErrMetadataRequest)
	}

	m.Keys = keySet.Keys
	return &m, nil
}

// resolverOptions is the set of available options for Resolver functions.
type resolverOptions struct {
	withNowFunc func() time.Time
}

// resolverDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func resolverDefaults() resolverOptions {
	return resolverOptions{}
}

// getResolverOpts gets the defaults and applies the opt overrides passed
// in.
func getResolverOpts(opt ...Option) resolverOptions {
	opts := resolverDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
