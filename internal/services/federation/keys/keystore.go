// Package keys manages per-actor RSA signing key material.
//
// Each actor receives one 2048-bit RSA key pair when it is created. Keys are
// persisted PEM-encoded with the owning actor row and are never rotated.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/convene-space/convene/internal/services/federation/storage"
)

// ErrKeyMissing indicates an actor has no usable signing key. This is a
// data-integrity fault, not a transient condition: actors are always created
// with a key pair.
var ErrKeyMissing = errors.New("actor signing key is missing")

const keyBits = 2048

// KeyFragment is the URL fragment appended to an actor id to name its key.
const KeyFragment = "#main-key"

// PublicKeyDocument is the publicKey object embedded in actor documents.
type PublicKeyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// KeyStore signs payloads with actor keys loaded from actor storage.
type KeyStore struct {
	actors storage.ActorStore
}

// NewKeyStore creates a key store backed by actor persistence.
func NewKeyStore(actors storage.ActorStore) *KeyStore {
	return &KeyStore{actors: actors}
}

// GenerateKeyPair creates a fresh RSA key pair and returns it PEM-encoded as
// (publicPEM, privatePEM).
func GenerateKeyPair() (string, string, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", "", fmt.Errorf("generate rsa key: %w", err)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicDER,
	})
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	return string(publicPEM), string(privatePEM), nil
}

// Sign returns the RSA signature of SHA-256(payload) using the actor's
// private key. A missing actor or empty key yields ErrKeyMissing.
func (k *KeyStore) Sign(ctx context.Context, actorID string, payload []byte) ([]byte, error) {
	if k == nil || k.actors == nil {
		return nil, fmt.Errorf("key store is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required")
	}

	record, err := k.actors.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: actor %s", ErrKeyMissing, actorID)
		}
		return nil, fmt.Errorf("load actor key: %w", err)
	}
	if strings.TrimSpace(record.PrivateKeyPEM) == "" {
		return nil, fmt.Errorf("%w: actor %s", ErrKeyMissing, actorID)
	}

	privateKey, err := ParseRSAPrivateKey(record.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: actor %s: %v", ErrKeyMissing, actorID, err)
	}

	digest := sha256.Sum256(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return signature, nil
}

// PublicKeyDocument returns the actor's public key in the shape remote
// servers expect when dereferencing a keyId.
func (k *KeyStore) PublicKeyDocument(ctx context.Context, actorID string) (PublicKeyDocument, error) {
	if k == nil || k.actors == nil {
		return PublicKeyDocument{}, fmt.Errorf("key store is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return PublicKeyDocument{}, fmt.Errorf("actor id is required")
	}

	record, err := k.actors.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PublicKeyDocument{}, fmt.Errorf("%w: actor %s", ErrKeyMissing, actorID)
		}
		return PublicKeyDocument{}, fmt.Errorf("load actor key: %w", err)
	}
	if strings.TrimSpace(record.PublicKeyPEM) == "" {
		return PublicKeyDocument{}, fmt.Errorf("%w: actor %s", ErrKeyMissing, actorID)
	}

	return PublicKeyDocument{
		ID:           actorID + KeyFragment,
		Owner:        actorID,
		PublicKeyPEM: record.PublicKeyPEM,
	}, nil
}

// ParseRSAPrivateKey decodes a PEM-encoded RSA private key in PKCS#1 or
// PKCS#8 form.
func ParseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no pem block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not rsa")
	}
	return key, nil
}

// ParseRSAPublicKey decodes a PEM-encoded RSA public key in PKIX or PKCS#1
// form. Remote servers emit either.
func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no pem block found")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not rsa")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
