package keys

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveKey: el actor no tiene clave Active; hay que llamar Generate.
	ErrNoActiveKey = errors.New("no active signing key")
	// ErrKeyGeneration: falló la entropía o la construcción del keypair.
	ErrKeyGeneration = errors.New("key generation failed")
	// ErrKeyRevoked: la clave fue revocada por compromiso y ya no verifica.
	ErrKeyRevoked = errors.New("key revoked")
	// ErrUnknownKey: ningún actor local tiene una clave con ese id.
	ErrUnknownKey = errors.New("unknown key")
)

// KeyManagementError envuelve fallos de generación o de store. Es fatal para
// la operación, no para el proceso.
type KeyManagementError struct {
	Op      string
	ActorID string
	KeyID   string
	Err     error
}

func (e *KeyManagementError) Error() string {
	subject := e.ActorID
	if e.KeyID != "" {
		subject = e.KeyID
	}
	return fmt.Sprintf("keys: %s %s: %v", e.Op, subject, e.Err)
}

func (e *KeyManagementError) Unwrap() error { return e.Err }

func kmErr(op, actorID string, err error) error {
	return &KeyManagementError{Op: op, ActorID: actorID, Err: err}
}
