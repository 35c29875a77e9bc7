package secretbox

import (
	"fmt"
	"strings"
)

// SealedPrefix marca un valor de config cifrado con SealString.
const SealedPrefix = "sealed:"

// PurposeDSN es el contexto de los DSN cifrados en config.
const PurposeDSN = "config/dsn"

// SealString cifra plain con una subclave derivada de purpose y le antepone
// SealedPrefix, para guardarlo en YAML o en el entorno.
func (b *Box) SealString(purpose, plain string) (string, error) {
	sub, err := b.Derive(purpose)
	if err != nil {
		return "", err
	}
	s, err := sub.Seal([]byte(plain), []byte(purpose))
	if err != nil {
		return "", err
	}
	return SealedPrefix + s, nil
}

// OpenString revierte SealString. Un valor sin SealedPrefix se devuelve tal cual.
func (b *Box) OpenString(purpose, value string) (string, error) {
	rest, ok := strings.CutPrefix(value, SealedPrefix)
	if !ok {
		return value, nil
	}
	sub, err := b.Derive(purpose)
	if err != nil {
		return "", err
	}
	pt, err := sub.Open(rest, []byte(purpose))
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(pt), nil
}

// IsSealed reporta si value fue producido por SealString.
func IsSealed(value string) bool { return strings.HasPrefix(value, SealedPrefix) }
