package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Supported signing algorithms.
const (
	RS256 = "RS256"
	ES256 = "ES256"
)

const rsaBits = 2048

// GenerateKey creates a PKCS#8 PEM private key for alg: RSA-2048 for RS256,
// P-256 for ES256.
func GenerateKey(alg string) ([]byte, error) {
	var key crypto.Signer
	var err error
	switch alg {
	case RS256:
		key, err = rsa.GenerateKey(rand.Reader, rsaBits)
	case ES256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", alg, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKey decodes a PKCS#8, PKCS#1, or SEC1 PEM private key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %T is not a signer", ErrInvalidKey, k)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: unrecognized %q block", ErrInvalidKey, block.Type)
}

// PublicKeyPEM returns the PKIX public key for a private key PEM, the form a
// registry expects when the device is provisioned.
func PublicKeyPEM(private []byte) ([]byte, error) {
	signer, err := ParsePrivateKey(private)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Rotate replaces the stored key with a fresh one. The current key is backed
// up first; if saving the new key fails the backup is restored.
func Rotate(store Store, alg string) ([]byte, error) {
	if store.Exists() {
		if err := store.Backup(); err != nil {
			return nil, fmt.Errorf("backing up key before rotation: %w", err)
		}
	}

	next, err := GenerateKey(alg)
	if err != nil {
		return nil, err
	}

	if err := store.SaveKey(next); err != nil {
		if rerr := store.RestoreFromBackup(); rerr != nil {
			return nil, fmt.Errorf("saving rotated key: %w (restore failed: %v)", err, rerr)
		}
		return nil, fmt.Errorf("saving rotated key: %w", err)
	}
	return next, nil
}

// EnsureKey loads the stored key, generating and saving one when absent.
func EnsureKey(store Store, alg string) ([]byte, error) {
	if store.Exists() {
		return store.LoadKey()
	}
	key, err := GenerateKey(alg)
	if err != nil {
		return nil, err
	}
	if err := store.SaveKey(key); err != nil {
		return nil, err
	}
	return key, nil
}
