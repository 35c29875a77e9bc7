// Package secretbox sella material sensible (claves privadas en disco) con
// AES-256-GCM. El formato es base64(nonce)|base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// EnvMasterKey es la variable de entorno con la clave maestra (base64, 32 bytes).
	EnvMasterKey = "SECRETBOX_MASTER_KEY"

	nonceSizeGCM      = 12  // AES-GCM nonce size recomendado (96 bits)
	requiredKeyLength = 32  // 32 bytes => AES-256
	sep               = "|" // nonce|ciphertext (ambos en base64)
)

var ErrNoMasterKey = fmt.Errorf("%s no seteada; genere una clave con: fedkeys gen-secretbox", EnvMasterKey)

// Box cifra y descifra con una clave fija.
type Box struct {
	aead cipher.AEAD
	key  []byte
}

// New crea un Box a partir de una clave de 32 bytes.
func New(key []byte) (*Box, error) {
	if len(key) != requiredKeyLength {
		return nil, fmt.Errorf("clave inválida: %d bytes (requiere %d)", len(key), requiredKeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: aead, key: append([]byte(nil), key...)}, nil
}

// FromEnv construye el Box desde SECRETBOX_MASTER_KEY.
func FromEnv() (*Box, error) {
	raw := strings.TrimSpace(os.Getenv(EnvMasterKey))
	if raw == "" {
		return nil, ErrNoMasterKey
	}
	k, err := ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvMasterKey, err)
	}
	return New(k)
}

// ParseKey acepta base64 (std o raw), hex de 64 chars o 32 bytes crudos.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if len(s) == 64 {
		if h, err := hex.DecodeString(s); err == nil {
			return h, nil
		}
	}
	if len(s) == requiredKeyLength {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("clave inválida: requiere %d bytes", requiredKeyLength)
}

// GenerateKey devuelve una clave maestra nueva en base64.
func GenerateKey() (string, error) {
	k := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// Derive devuelve un Box con una subclave HKDF-SHA256 para el contexto info.
// Así cada uso (ej: "keystore/fs") tiene su propia clave aunque compartan maestra.
func (b *Box) Derive(info string) (*Box, error) {
	r := hkdf.New(sha256.New, b.key, nil, []byte(info))
	sub := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return New(sub)
}

// Seal cifra plain. aad liga el ciphertext a un contexto (ej: el key id);
// Open con otro aad falla.
func (b *Box) Seal(plain, aad []byte) (string, error) {
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	ct := b.aead.Seal(nil, nonce, plain, aad)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open descifra el formato producido por Seal.
func (b *Box) Open(sealed string, aad []byte) ([]byte, error) {
	nonceB64, ctB64, ok := strings.Cut(sealed, sep)
	if !ok {
		return nil, errors.New("formato inválido: esperado base64(nonce)|base64(ciphertext)")
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != nonceSizeGCM {
		return nil, fmt.Errorf("nonce inválido: esperado %d bytes, obtuvo %d", nonceSizeGCM, len(nonce))
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := b.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}
