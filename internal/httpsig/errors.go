package httpsig

import (
	"errors"
	"fmt"
)

// Reason es el motivo machine-readable de una verificación fallida.
type Reason string

const (
	ReasonAlgorithmMismatch     Reason = "AlgorithmMismatch"
	ReasonDigestMismatch        Reason = "DigestMismatch"
	ReasonBadSignature          Reason = "BadSignature"
	ReasonExpired               Reason = "Expired"
	ReasonMissingRequiredHeader Reason = "MissingRequiredHeader"
	ReasonMalformed             Reason = "MalformedSignature"
)

// VerificationError es el resultado Invalid(reason) de Verify.
type VerificationError struct {
	Reason Reason
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return "httpsig: " + string(e.Reason)
	}
	return fmt.Sprintf("httpsig: %s: %s", e.Reason, e.Detail)
}

func invalid(r Reason, format string, args ...any) *VerificationError {
	return &VerificationError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extrae el Reason de un error de verificación.
func ReasonOf(err error) (Reason, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}

var (
	ErrArchivedKey         = errors.New("key is archived")
	ErrRevokedKey          = errors.New("key is revoked")
	ErrNoPrivateKey        = errors.New("private key unavailable")
	ErrAlgorithmNotAllowed = errors.New("algorithm not allowed")
	ErrUnsupportedKey      = errors.New("unsupported key type")
	ErrMissingHeader       = errors.New("covered header missing")
)

// SigningError es el fallo de Sign. Es fatal para el intento que firma.
type SigningError struct {
	KeyID string
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("httpsig: sign with %q: %v", e.KeyID, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }
