package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"sync"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestingT defines a very minimal test helper interface, which makes the
// testing helpers usable from both tests and example code.
type TestingT interface {
	Errorf(format string, args ...interface{})
	FailNow()
}

// THelper defines an interface for a testing.Helper.
type THelper interface {
	Helper()
}

// TestGenerateKeys will generate a test RSA key pair.
func TestGenerateKeys(t TestingT) (*rsa.PublicKey, *rsa.PrivateKey) {
	if v, ok := t.(THelper); ok {
		v.Helper()
	}
	require := require.New(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	return &priv.PublicKey, priv
}

// TestSignJWT will sign the claims as an RS256 JWT using the key, with the
// key id in the token header.
func TestSignJWT(t TestingT, key *rsa.PrivateKey, keyID string, claims map[string]interface{}) string {
	if v, ok := t.(THelper); ok {
		v.Helper()
	}
	require := require.New(t)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithHeader("kid", keyID),
	)
	require.NoError(err)

	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(err)
	return raw
}

// TestHash returns the token hash binding for a value: the base64url
// encoding of the first half of its SHA-256 digest.  Handy for crafting
// c_hash and at_hash claims in tests.
func TestHash(t TestingT, value string) string {
	if v, ok := t.(THelper); ok {
		v.Helper()
	}
	digest := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(digest[:len(digest)/2])
}

// TestSessionStore is an in-memory SessionStore for tests.  It is safe for
// concurrent use.
type TestSessionStore struct {
	mu   sync.Mutex
	data map[string][]byte

	// GetErr, SetErr and DestroyErr, when set, are returned by the
	// corresponding operation to simulate a failing backing store.
	GetErr     error
	SetErr     error
	DestroyErr error
}

// NewTestSessionStore creates an empty TestSessionStore.
func NewTestSessionStore() *TestSessionStore {
	return &TestSessionStore{data: map[string][]byte{}}
}

// Get implements SessionStore.Get, returning nil when the key is absent.
func (s *TestSessionStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	return s.data[key], nil
}

// Set implements SessionStore.Set.
func (s *TestSessionStore) Set(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[key] = cp
	return nil
}

// Destroy implements SessionStore.Destroy.
func (s *TestSessionStore) Destroy(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DestroyErr != nil {
		return s.DestroyErr
	}
	delete(s.data, key)
	return nil
}

// Len reports the number of stored keys.
func (s *TestSessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
