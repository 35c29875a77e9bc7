package repository

import (
	"context"
	"crypto"
	"time"
)

// Algorithm es el algoritmo declarado en el parámetro algorithm de Signature.
type Algorithm string

const (
	AlgRSASHA256 Algorithm = "rsa-sha256"
	AlgHS2019    Algorithm = "hs2019"
)

// Valid reporta si el algoritmo es uno de los conocidos.
func (a Algorithm) Valid() bool {
	return a == AlgRSASHA256 || a == AlgHS2019
}

// KeyState es el estado de ciclo de vida de una clave.
//
//	Active --rotate--> Overlapping --overlap elapsed--> Archived
type KeyState string

const (
	KeyActive      KeyState = "active"
	KeyOverlapping KeyState = "overlapping"
	KeyArchived    KeyState = "archived"
)

// CanSign reporta si una clave en este estado puede producir firmas nuevas.
func (s KeyState) CanSign() bool { return s == KeyActive }

// RevocationReason explica por qué una clave fue revocada.
type RevocationReason string

const (
	RevokedCompromised RevocationReason = "compromised"
	RevokedSuperseded  RevocationReason = "superseded"
	RevokedRetired     RevocationReason = "retired"
)

// Key es una clave de firma de un actor local.
type Key struct {
	ID         string // URI resolvable, ej: https://example.com/users/alice#key-...
	ActorID    string
	Algorithm  Algorithm
	PrivateKey crypto.Signer // nil en vistas públicas
	PublicKey  crypto.PublicKey
	State      KeyState
	CreatedAt  time.Time
	NotAfter   time.Time  // deadline de rotación
	RotatedAt  *time.Time // cuando pasó a Overlapping
	ArchivedAt *time.Time

	RevokedAt        *time.Time
	RevocationReason RevocationReason
}

// Clone devuelve una copia superficial; el material criptográfico es inmutable.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	c := *k
	c.RotatedAt = cloneTime(k.RotatedAt)
	c.ArchivedAt = cloneTime(k.ArchivedAt)
	c.RevokedAt = cloneTime(k.RevokedAt)
	return &c
}

// Public devuelve la mitad pública serializable hacia afuera.
func (k *Key) Public() PublicKey {
	return PublicKey{
		ID:        k.ID,
		Owner:     k.ActorID,
		Algorithm: k.Algorithm,
		Key:       k.PublicKey,
		State:     k.State,
	}
}

// Compromised reporta si la clave fue revocada por compromiso.
func (k *Key) Compromised() bool {
	return k.RevokedAt != nil && k.RevocationReason == RevokedCompromised
}

// PublicKey es la vista pública de una clave, local o remota.
type PublicKey struct {
	ID        string
	Owner     string
	Algorithm Algorithm // vacío si el documento remoto no lo declara
	Key       crypto.PublicKey
	State     KeyState // solo para claves locales
}

// KeyStore es el almacenamiento durable de claves.
// Put de varias claves es atómico: o se persisten todas o ninguna.
type KeyStore interface {
	Put(ctx context.Context, keys ...*Key) error
	Get(ctx context.Context, keyID string) (*Key, error)
	ListByActor(ctx context.Context, actorID string) ([]*Key, error)
	ListActive(ctx context.Context, actorID string) ([]*Key, error)
	ListByState(ctx context.Context, state KeyState) ([]*Key, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
