package oidc

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
)

const rsaPublicKeyPEMType = "RSA PUBLIC KEY"

// EncodePublicKeyPEM converts a JSON Web Key's modulus and exponent (both
// base64url encoded, per RFC 7518) into a PEM-encoded PKCS#1 RSAPublicKey.
// The result is accepted directly by signature verification libraries.  It
// is pure and performs no I/O.
func EncodePublicKeyPEM(modulusB64, exponentB64 string) (string, error) {
	const op = "oidc.EncodePublicKeyPEM"
	modulus, err := decodeBase64URL(modulusB64)
	if err != nil {
		return "", fmt.Errorf("%s: unable to decode modulus: %w", op, err)
	}
	exponent, err := decodeBase64URL(exponentB64)
	if err != nil {
		return "", fmt.Errorf("%s: unable to decode exponent: %w", op, err)
	}
	if len(modulus) == 0 {
		return "", fmt.Errorf("%s: modulus is empty: %w", op, ErrInvalidParameter)
	}
	if len(exponent) == 0 {
		return "", fmt.Errorf("%s: exponent is empty: %w", op, ErrInvalidParameter)
	}

	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() <= 0 {
		return "", fmt.Errorf("%s: exponent is out of range: %w", op, ErrInvalidParameter)
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(e.Int64()),
	}

	// MarshalPKCS1PublicKey emits the two-INTEGER SEQUENCE with non-negative
	// (zero-prepadded) integer encodings, and pem.EncodeToMemory wraps the
	// base64 body at 64 columns.
	der := x509.MarshalPKCS1PublicKey(pub)
	block := &pem.Block{
		Type:  rsaPublicKeyPEMType,
		Bytes: der,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePublicKeyPEM parses a PEM-encoded PKCS#1 RSAPublicKey produced by
// EncodePublicKeyPEM back into an *rsa.PublicKey.
func DecodePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	const op = "oidc.DecodePublicKeyPEM"
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found: %w", op, ErrInvalidParameter)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse public key: %w", op, err)
	}
	return pub, nil
}

// decodeBase64URL decodes an unpadded base64url value.  Padded and
// standard-alphabet inputs are tolerated since some providers publish JWKS
// values in either form.
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
