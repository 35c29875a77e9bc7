// Package httpsig implementa firmas HTTP draft-cavage (rsa-sha256, hs2019):
// construcción del signing string, firma y verificación.
//
// Engine es puro: no hace IO ni resuelve claves. El llamador entrega la
// clave privada (keys.Manager) o la pública (inbound.Verifier).
package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
)

// Defaults.
const (
	DefaultClockSkew = 300 * time.Second
)

// Options configura un Engine.
type Options struct {
	// Allowed es el allow-list de algoritmos aceptados para firmar y verificar.
	// Default: [rsa-sha256].
	Allowed []repository.Algorithm
	// ClockSkew es la tolerancia del header date respecto de Now. Default: 300s.
	ClockSkew time.Duration
	// Now permite inyectar el reloj en tests.
	Now func() time.Time
	// Rand es la fuente de entropía para firmar. Default: crypto/rand.
	Rand io.Reader
}

// Engine firma y verifica SigningContexts.
type Engine struct {
	allowed []repository.Algorithm
	skew    time.Duration
	now     func() time.Time
	rand    io.Reader
}

// NewEngine crea un Engine con defaults sanos.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		allowed: opts.Allowed,
		skew:    opts.ClockSkew,
		now:     opts.Now,
		rand:    opts.Rand,
	}
	if len(e.allowed) == 0 {
		e.allowed = []repository.Algorithm{repository.AlgRSASHA256}
	}
	if e.skew <= 0 {
		e.skew = DefaultClockSkew
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	return e
}

// Allowed reporta si alg está en el allow-list.
func (e *Engine) Allowed(alg repository.Algorithm) bool {
	return slices.Contains(e.allowed, alg)
}

// Sign firma sc con key sobre headers (DefaultHeaders si es nil).
// Falla con *SigningError si la clave está archivada o revocada, si no hay
// mitad privada, o si un header cubierto falta en sc.
func (e *Engine) Sign(sc SigningContext, headers []string, key *repository.Key) (SignatureHeader, error) {
	if key == nil {
		return SignatureHeader{}, &SigningError{Err: ErrNoPrivateKey}
	}
	fail := func(err error) (SignatureHeader, error) {
		return SignatureHeader{}, &SigningError{KeyID: key.ID, Err: err}
	}
	switch {
	case key.RevokedAt != nil:
		return fail(ErrRevokedKey)
	case key.State == repository.KeyArchived:
		return fail(ErrArchivedKey)
	case key.PrivateKey == nil:
		return fail(ErrNoPrivateKey)
	}
	alg := key.Algorithm
	if alg == "" {
		alg = repository.AlgRSASHA256
	}
	if !e.Allowed(alg) {
		return fail(fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, alg))
	}
	if headers == nil {
		headers = HeadersFor(sc.Method, len(sc.Body))
	}

	h := SignatureHeader{KeyID: key.ID, Algorithm: alg, Headers: headers}
	if slices.Contains(headers, Created) {
		h.Created = e.now().Unix()
	}
	str, err := SigningString(sc, headers, h.Created, h.Expires)
	if err != nil {
		return fail(err)
	}
	sig, err := e.rawSign(key.PrivateKey, alg, []byte(str))
	if err != nil {
		return fail(err)
	}
	h.Signature = sig
	return h, nil
}

func (e *Engine) rawSign(priv crypto.Signer, alg repository.Algorithm, msg []byte) ([]byte, error) {
	switch priv.Public().(type) {
	case *rsa.PublicKey:
		sum := sha256.Sum256(msg)
		return priv.Sign(e.rand, sum[:], crypto.SHA256)
	case ed25519.PublicKey:
		if alg != repository.AlgHS2019 {
			return nil, fmt.Errorf("%w: ed25519 requires hs2019", ErrUnsupportedKey)
		}
		return priv.Sign(e.rand, msg, crypto.Hash(0))
	default:
		return nil, ErrUnsupportedKey
	}
}

// SignRequest completa Date, Digest y Host en req, firma y setea Signature.
// body debe ser exactamente el body que se enviará.
func (e *Engine) SignRequest(req *http.Request, body []byte, key *repository.Key) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", e.now().UTC().Format(http.TimeFormat))
	}
	if len(body) > 0 || req.Method == http.MethodPost {
		req.Header.Set("Digest", Digest(body))
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	hdr := req.Header.Clone()
	hdr.Set("Host", host)

	sc := SigningContext{Method: req.Method, Path: req.URL.RequestURI(), Headers: hdr, Body: body}
	h, err := e.Sign(sc, HeadersFor(req.Method, len(body)), key)
	if err != nil {
		return err
	}
	req.Header.Set("Signature", h.String())
	return nil
}

// required son los headers que toda firma aceptada debe cubrir.
var required = []string{RequestTarget, "host"}

// Verify comprueba sig sobre sc con pub. Devuelve nil (Valid) o
// *VerificationError (Invalid(reason)). El orden de chequeos es:
// algoritmo, headers requeridos, digest, ventana temporal, criptografía.
func (e *Engine) Verify(sc SigningContext, sig SignatureHeader, pub repository.PublicKey) error {
	if err := e.checkAlgorithm(sig.Algorithm, pub); err != nil {
		return err
	}

	for _, name := range required {
		if !slices.Contains(sig.Headers, name) {
			return invalid(ReasonMissingRequiredHeader, "%s not covered", name)
		}
	}
	coversDate := slices.Contains(sig.Headers, "date")
	if !coversDate && !slices.Contains(sig.Headers, Created) {
		return invalid(ReasonMissingRequiredHeader, "neither date nor (created) covered")
	}
	for _, name := range sig.Headers {
		if strings.HasPrefix(name, "(") {
			continue
		}
		if len(sc.Headers.Values(name)) == 0 {
			return invalid(ReasonMissingRequiredHeader, "%s declared but absent", name)
		}
	}

	coversDigest := slices.Contains(sig.Headers, "digest")
	if len(sc.Body) > 0 && !coversDigest {
		return invalid(ReasonMissingRequiredHeader, "digest not covered for request with body")
	}
	if coversDigest {
		match, known := digestMatches(sc.Headers.Get("Digest"), sc.Body)
		if !known {
			return invalid(ReasonDigestMismatch, "no supported digest algorithm")
		}
		if !match {
			return invalid(ReasonDigestMismatch, "body digest does not match header")
		}
	}

	if err := e.checkTime(sc, sig, coversDate); err != nil {
		return err
	}

	str, err := SigningString(sc, sig.Headers, sig.Created, sig.Expires)
	if err != nil {
		return invalid(ReasonMissingRequiredHeader, "%v", err)
	}
	if !rawVerify(pub.Key, sig.Algorithm, []byte(str), sig.Signature) {
		return invalid(ReasonBadSignature, "signature does not verify with %s", pub.ID)
	}
	return nil
}

func (e *Engine) checkAlgorithm(alg repository.Algorithm, pub repository.PublicKey) error {
	if !e.Allowed(alg) {
		return invalid(ReasonAlgorithmMismatch, "algorithm %q not allowed", alg)
	}
	switch pub.Key.(type) {
	case *rsa.PublicKey:
	case ed25519.PublicKey:
		if alg != repository.AlgHS2019 {
			return invalid(ReasonAlgorithmMismatch, "ed25519 key requires hs2019, got %s", alg)
		}
	default:
		return invalid(ReasonAlgorithmMismatch, "unsupported public key type %T", pub.Key)
	}
	// hs2019 delega en la clave; un algoritmo explícito debe coincidir con
	// el declarado por el dueño de la clave.
	if pub.Algorithm != "" && pub.Algorithm != repository.AlgHS2019 &&
		alg != repository.AlgHS2019 && alg != pub.Algorithm {
		return invalid(ReasonAlgorithmMismatch, "key declares %s, signature uses %s", pub.Algorithm, alg)
	}
	return nil
}

func (e *Engine) checkTime(sc SigningContext, sig SignatureHeader, coversDate bool) error {
	now := e.now()
	if coversDate {
		d, err := http.ParseTime(sc.Headers.Get("Date"))
		if err != nil {
			return invalid(ReasonExpired, "unparseable date header")
		}
		if delta := now.Sub(d); delta > e.skew || delta < -e.skew {
			return invalid(ReasonExpired, "date outside ±%s window", e.skew)
		}
	}
	if sig.Created > 0 {
		c := time.Unix(sig.Created, 0)
		if c.After(now.Add(e.skew)) || now.Sub(c) > e.skew {
			return invalid(ReasonExpired, "created outside ±%s window", e.skew)
		}
	}
	if sig.Expires > 0 && now.After(time.Unix(sig.Expires, 0)) {
		return invalid(ReasonExpired, "signature expired")
	}
	return nil
}

func rawVerify(pub crypto.PublicKey, alg repository.Algorithm, msg, sig []byte) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		sum := sha256.Sum256(msg)
		if rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig) == nil {
			return true
		}
		// hs2019 con RSA: algunos emisores usan PSS.
		if alg == repository.AlgHS2019 {
			return rsa.VerifyPSS(k, crypto.SHA256, sum[:], sig, nil) == nil
		}
		return false
	case ed25519.PublicKey:
		return ed25519.Verify(k, msg, sig)
	}
	return false
}
