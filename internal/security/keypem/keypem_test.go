package keypem

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSA_RoundTrip(t *testing.T) {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM, err := EncodePrivate(k)
	require.NoError(t, err)
	back, err := DecodePrivate(privPEM)
	require.NoError(t, err)
	assert.True(t, k.Equal(back))

	pubPEM, err := EncodePublic(&k.PublicKey)
	require.NoError(t, err)
	assert.Contains(t, pubPEM, "-----BEGIN PUBLIC KEY-----")
	pub, err := DecodePublic(pubPEM)
	require.NoError(t, err)
	assert.True(t, k.PublicKey.Equal(pub))

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&k.PublicKey)})
	pub, err = DecodePublic(string(pkcs1))
	require.NoError(t, err)
	assert.True(t, k.PublicKey.Equal(pub))
}

func TestEd25519_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := EncodePublic(pub)
	require.NoError(t, err)
	got, err := DecodePublic(s)
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	b, err := EncodePrivate(priv)
	require.NoError(t, err)
	back, err := DecodePrivate(b)
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), back.Public())
}

func TestDecodePublic_Rejects(t *testing.T) {
	_, err := DecodePublic("not pem")
	assert.ErrorIs(t, err, ErrNoPEM)

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	s, err := EncodePublic(&ec.PublicKey)
	require.NoError(t, err)
	_, err = DecodePublic(s)
	assert.Error(t, err)
}
