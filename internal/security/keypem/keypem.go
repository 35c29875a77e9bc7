// Package keypem serializa claves de firma a PEM (PKCS#8 / PKIX) y de vuelta.
package keypem

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var ErrNoPEM = errors.New("keypem: no PEM block found")

// EncodePrivate devuelve la clave privada como PEM "PRIVATE KEY" (PKCS#8).
func EncodePrivate(k crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k)
	if err != nil {
		return nil, fmt.Errorf("keypem: marshal private: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DecodePrivate acepta "PRIVATE KEY" (PKCS#8) y "RSA PRIVATE KEY" (PKCS#1).
func DecodePrivate(b []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, ErrNoPEM
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keypem: parse pkcs8: %w", err)
		}
		s, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("keypem: %T is not a signer", k)
		}
		return s, nil
	}
	return nil, fmt.Errorf("keypem: unexpected block %q", block.Type)
}

// EncodePublic devuelve la clave pública como PEM "PUBLIC KEY" (PKIX), el
// formato de publicKeyPem en documentos de actor.
func EncodePublic(k crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k)
	if err != nil {
		return "", fmt.Errorf("keypem: marshal public: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePublic acepta "PUBLIC KEY" (PKIX) y "RSA PUBLIC KEY" (PKCS#1).
// Solo devuelve tipos que httpsig sabe verificar.
func DecodePublic(s string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, ErrNoPEM
	}
	var (
		k   any
		err error
	)
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		k, err = x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("keypem: unexpected block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("keypem: parse public: %w", err)
	}
	switch k.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return k, nil
	}
	return nil, fmt.Errorf("keypem: unsupported public key %T", k)
}
