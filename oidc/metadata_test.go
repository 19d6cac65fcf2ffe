package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(t *testing.T, p *TestProvider, opt ...Option) *Resolver {
	t.Helper()
	require := require.New(t)
	c, err := NewConfig("test-client-id", "test-client-secret", "http://localhost/callback",
		append([]Option{WithDiscoveryURL(p.DiscoveryURL())}, opt...)...)
	require.NoError(err)
	r, err := NewResolver(c)
	require.NoError(err)
	return r
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	p := StartTestProvider(t)
	defer p.Stop()

	r := testResolver(t, p)
	m, err := r.Resolve(context.Background())
	require.NoError(err)
	assert.Equal(p.Issuer(), m.Issuer)
	assert.Equal(p.Addr()+"/oauth2/v2.0/authorize", m.AuthorizationEndpoint)
	assert.Equal(p.Addr()+"/oauth2/v2.0/token", m.TokenEndpoint)
	assert.Equal(p.Addr()+"/oauth2/v2.0/logout", m.EndSessionEndpoint)
	require.Len(m.Keys, 1)

	key := m.KeyFor(p.KeyID())
	require.NotNil(key)
	assert.NotEmpty(key.PEM)
	pub, err := key.PublicKey()
	require.NoError(err)
	assert.Zero(p.PublicKey().N.Cmp(pub.N))
	assert.Nil(m.KeyFor("no-such-kid"))
}

func TestResolver_Caching(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	p := StartTestProvider(t)
	defer p.Stop()

	current := time.Now()
	c, err := NewConfig("test-client-id", "test-client-secret", "http://localhost/callback",
		WithDiscoveryURL(p.DiscoveryURL()),
		WithMetadataTTL(time.Minute))
	require.NoError(err)
	r, err := NewResolver(c, WithNow(func() time.Time { return current }))
	require.NoError(err)

	first, err := r.Resolve(context.Background())
	require.NoError(err)
	assert.Equal(current.Add(time.Minute), first.ExpiresAt)

	cached, err := r.Resolve(context.Background())
	require.NoError(err)
	assert.Same(first, cached)

	current = current.Add(2 * time.Minute)
	refetched, err := r.Resolve(context.Background())
	require.NoError(err)
	assert.NotSame(first, refetched)
}

func TestResolver_NoTTLRefetches(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	p := StartTestProvider(t)
	defer p.Stop()

	r := testResolver(t, p)
	first, err := r.Resolve(context.Background())
	require.NoError(err)
	second, err := r.Resolve(context.Background())
	require.NoError(err)
	assert.NotSame(first, second)
	assert.True(first.Expired(time.Now()))
}

func TestResolver_Errors(t *testing.T) {
	t.Parallel()
	t.Run("empty-jwks", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p := StartTestProvider(t)
		defer p.Stop()
		p.SetDisableJWKs(true)

		r := testResolver(t, p)
		m, err := r.Resolve(context.Background())
		require.Error(err)
		assert.Nil(m)
		assert.ErrorIs(err, ErrMetadataRequest)
	})
	t.Run("discovery-not-found", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p := StartTestProvider(t)
		defer p.Stop()

		c, err := NewConfig("test-client-id", "test-client-secret", "http://localhost/callback",
			WithDiscoveryURL(p.Addr()+"/no-such-document"))
		require.NoError(err)
		r, err := NewResolver(c)
		require.NoError(err)

		m, err := r.Resolve(context.Background())
		require.Error(err)
		assert.Nil(m)
		assert.ErrorIs(err, ErrMetadataRequest)
	})
	t.Run("timeout", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer slow.Close()

		c, err := NewConfig("test-client-id", "test-client-secret", "http://localhost/callback",
			WithDiscoveryURL(slow.URL),
			WithRequestTimeout(20*time.Millisecond))
		require.NoError(err)
		r, err := NewResolver(c)
		require.NoError(err)

		m, err := r.Resolve(context.Background())
		require.Error(err)
		assert.Nil(m)
		assert.ErrorIs(err, ErrRequestTimeout)
	})
}

// Concurrent cache misses must collapse into a single upstream fetch.
func TestResolver_Singleflight(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	pub, _ := TestGenerateKeys(t)
	var discoveryHits int32
	var baseURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(req.URL.Path, "/openid-configuration"):
			atomic.AddInt32(&discoveryHits, 1)
			time.Sleep(100 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 baseURL + "/v2.0/",
				"authorization_endpoint": baseURL + "/authorize",
				"token_endpoint":         baseURL + "/token",
				"jwks_uri":               baseURL + "/keys",
			})
		case strings.HasSuffix(req.URL.Path, "/keys"):
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"keys": []map[string]string{{
					"kid": "kid-1",
					"kty": "RSA",
					"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
				}},
			})
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()
	baseURL = srv.URL

	c, err := NewConfig("test-client-id", "test-client-secret", "http://localhost/callback",
		WithDiscoveryURL(srv.URL+"/openid-configuration"),
		WithMetadataTTL(time.Minute))
	require.NoError(err)
	r, err := NewResolver(c)
	require.NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := r.Resolve(context.Background())
			assert.NoError(err)
			assert.NotNil(m)
		}()
	}
	wg.Wait()
	assert.Equal(int32(1), atomic.LoadInt32(&discoveryHits))
}
