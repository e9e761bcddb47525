package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"

	// DefaultAlgorithm is used when no algorithm is configured
	DefaultAlgorithm = AlgorithmRS256

	rsaKeyBits = 2048
)

// SigningKey is one entry of the server key set
type SigningKey struct {
	KeyID     string
	Algorithm string
	Private   crypto.Signer
	CreatedAt time.Time
	// RetiredAt is zero for the active key
	RetiredAt time.Time
	// VerifyUntil bounds how long a retired key is still accepted
	VerifyUntil time.Time
}

// Public returns the public half of the key
func (k *SigningKey) Public() crypto.PublicKey {
	return k.Private.Public()
}

// usableAt reports whether the key may still verify tokens at now
func (k *SigningKey) usableAt(now time.Time) bool {
	return k.RetiredAt.IsZero() || now.Before(k.VerifyUntil)
}

// GenerateKey creates a fresh signing key for alg
func GenerateKey(alg string, now time.Time) (*SigningKey, error) {
	var signer crypto.Signer
	var err error
	switch alg {
	case "", AlgorithmRS256:
		alg = AlgorithmRS256
		signer, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case AlgorithmES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}
	return NewSigningKey(signer, now)
}

// NewSigningKey wraps an existing private key, deriving its kid and algorithm
func NewSigningKey(signer crypto.Signer, now time.Time) (*SigningKey, error) {
	alg, err := algorithmFor(signer)
	if err != nil {
		return nil, err
	}
	kid, err := KeyID(signer.Public())
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		KeyID:     kid,
		Algorithm: alg,
		Private:   signer,
		CreatedAt: now,
	}, nil
}

// KeyID computes the RFC 7638 thumbprint of a public key
func KeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

func algorithmFor(signer crypto.Signer) (string, error) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		return AlgorithmRS256, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return "", fmt.Errorf("unsupported EC curve: %s", k.Curve.Params().Name)
		}
		return AlgorithmES256, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", signer)
	}
}

// LoadKeyFile reads a PEM encoded RSA or P-256 private key
func LoadKeyFile(path string, now time.Time) (*SigningKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	signer, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewSigningKey(signer, now)
}

// ParsePrivateKeyPEM accepts PKCS1, SEC1 and PKCS8 encodings
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key does not implement crypto.Signer")
	}
	return signer, nil
}

// EncodePrivateKeyPEM serializes a key as PKCS8 PEM
func EncodePrivateKeyPEM(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
