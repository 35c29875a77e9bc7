package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator crea un keypair de bits bits.
type Generator func(bits int) (crypto.Signer, error)

// GenerateRSA es el Generator por defecto.
func GenerateRSA(bits int) (crypto.Signer, error) {
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// KeyIDFunc deriva el id URI de una clave nueva.
type KeyIDFunc func(actorID string, created time.Time) string

// DefaultKeyID produce "<actor>#key-<yyyymmddThhmmssZ>-<rand>": resolvable
// vía el documento del actor y único aunque dos rotaciones caigan en el mismo segundo.
func DefaultKeyID(actorID string, created time.Time) string {
	return fmt.Sprintf("%s#key-%s-%s", actorID, created.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}
