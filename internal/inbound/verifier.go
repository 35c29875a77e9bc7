// Package inbound es el InboundVerifier: autentica requests federados
// entrantes resolviendo la clave del keyId (local, cache o fetch remoto) y
// delegando la verificación en httpsig.Engine.
//
// Verify nunca devuelve error ni hace panic: toda falla es un Decision
// rechazado con un Reason.
package inbound

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/rate"
	"go.uber.org/zap"
)

// Reasons propios del verifier, además de los de httpsig.
const (
	ReasonKeyUnresolvable httpsig.Reason = "KeyUnresolvable"
	ReasonRateLimited     httpsig.Reason = "RateLimited"
)

// InboxBucket es el bucket del RateGate para entregas entrantes.
const InboxBucket = "inbox"

var ErrBodyTooLarge = errors.New("request body too large")

// Decision es el resultado de Verify.
type Decision struct {
	Accepted   bool
	Reason     httpsig.Reason // vacío si Accepted
	Detail     string
	KeyID      string
	Owner      string // actor dueño de la clave
	RetryAfter time.Duration
}

func accept(pub repository.PublicKey) Decision {
	return Decision{Accepted: true, KeyID: pub.ID, Owner: pub.Owner}
}

func reject(r httpsig.Reason, keyID, detail string) Decision {
	return Decision{Reason: r, KeyID: keyID, Detail: detail}
}

// Request es la vista de un request entrante que necesita la verificación.
type Request struct {
	Method   string
	Path     string // path + query
	Host     string
	Header   http.Header
	Body     []byte
	RemoteIP string
}

// RequestFromHTTP lee el body (hasta maxBody) y lo repone en r.Body.
func RequestFromHTTP(r *http.Request, maxBody int64) (Request, error) {
	var body []byte
	if r.Body != nil {
		if maxBody <= 0 {
			maxBody = 1 << 20
		}
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		_ = r.Body.Close()
		if err != nil {
			return Request{}, err
		}
		if int64(len(b)) > maxBody {
			return Request{}, ErrBodyTooLarge
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(b))
	}
	return Request{
		Method:   r.Method,
		Path:     r.URL.RequestURI(),
		Host:     r.Host,
		Header:   r.Header,
		Body:     body,
		RemoteIP: remoteIP(r),
	}, nil
}

// remoteIP es el peer TCP. X-Forwarded-For solo lo interpreta la capa HTTP
// cuando el peer es un proxy confiable (ver middlewares.WithClientIP).
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func (r Request) signingContext() httpsig.SigningContext {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if r.Host != "" {
		h.Set("Host", r.Host)
	}
	return httpsig.SigningContext{Method: r.Method, Path: r.Path, Headers: h, Body: r.Body}
}

// LocalKeys resuelve claves propias; keys.Manager lo implementa.
type LocalKeys interface {
	ResolveForVerification(ctx context.Context, keyID string) (repository.PublicKey, error)
}

// Config del Verifier.
type Config struct {
	Engine *httpsig.Engine
	Cache  *KeyCache
	Local  LocalKeys // opcional
	// LocalKeyPrefix, si no es vacío, acota qué keyIds se buscan localmente.
	LocalKeyPrefix string
	// Gate es el RateGate consultado antes de verificar. nil admite todo.
	Gate *rate.Buckets
	// RateKey arma la key del bucket. Default: IP remota.
	RateKey func(Request) string
	Logger  *zap.Logger
}

// Verifier implementa el InboundVerifier.
type Verifier struct {
	cfg Config
	log *zap.Logger
}

func NewVerifier(cfg Config) *Verifier {
	if cfg.RateKey == nil {
		cfg.RateKey = func(r Request) string { return r.RemoteIP }
	}
	return &Verifier{cfg: cfg, log: logger.OrNop(cfg.Logger).With(logger.Component("inbound"))}
}

// Verify autentica req. Orden: RateGate, parseo del header, resolución de
// la clave, verificación; si falla con una clave cacheada se re-fetchea
// una sola vez y se reintenta.
func (v *Verifier) Verify(ctx context.Context, req Request) Decision {
	d := v.verify(ctx, req)
	label := "accepted"
	if !d.Accepted {
		label = string(d.Reason)
		v.log.Info("inbound request rejected",
			logger.KeyID(d.KeyID), logger.Reason(label), logger.String("detail", d.Detail),
			logger.ClientIP(req.RemoteIP))
	}
	metrics.InboundVerifications.WithLabelValues(label).Inc()
	return d
}

func (v *Verifier) verify(ctx context.Context, req Request) Decision {
	if v.cfg.Gate != nil {
		if _, err := v.cfg.Gate.Check(ctx, InboxBucket, v.cfg.RateKey(req)); err != nil {
			var rle *rate.RateLimitError
			if errors.As(err, &rle) {
				metrics.RateLimited.WithLabelValues(rle.Bucket).Inc()
				d := reject(ReasonRateLimited, "", err.Error())
				d.RetryAfter = rle.RetryAfter
				return d
			}
			// Un gate caído no bloquea la federación.
			v.log.Warn("rate gate error, admitting", logger.Err(err))
		}
	}

	raw := req.Header.Get("Signature")
	if raw == "" {
		raw = req.Header.Get("Authorization")
	}
	if raw == "" {
		return reject(httpsig.ReasonMalformed, "", "no Signature header")
	}
	sig, err := httpsig.ParseSignatureHeader(raw)
	if err != nil {
		return reject(httpsig.ReasonMalformed, "", err.Error())
	}

	pub, src, err := v.resolve(ctx, sig.KeyID, false)
	if err != nil {
		return reject(ReasonKeyUnresolvable, sig.KeyID, err.Error())
	}

	sc := req.signingContext()
	err = v.cfg.Engine.Verify(sc, sig, pub)
	if err == nil {
		return accept(pub)
	}
	reason, _ := httpsig.ReasonOf(err)
	if !keyDependent(reason) || src != SourceFresh {
		return reject(reason, sig.KeyID, err.Error())
	}

	// El remoto pudo haber rotado desde que se cacheó.
	fresh, _, ferr := v.resolve(ctx, sig.KeyID, true)
	if ferr != nil {
		return reject(reason, sig.KeyID, err.Error())
	}
	if err := v.cfg.Engine.Verify(sc, sig, fresh); err != nil {
		reason, _ := httpsig.ReasonOf(err)
		return reject(reason, sig.KeyID, err.Error())
	}
	return accept(fresh)
}

// keyDependent son los reasons que una clave distinta podría cambiar.
func keyDependent(r httpsig.Reason) bool {
	return r == httpsig.ReasonBadSignature || r == httpsig.ReasonAlgorithmMismatch
}

func (v *Verifier) resolve(ctx context.Context, keyID string, force bool) (repository.PublicKey, Source, error) {
	if v.cfg.Local != nil && (v.cfg.LocalKeyPrefix == "" || strings.HasPrefix(keyID, v.cfg.LocalKeyPrefix)) {
		pub, err := v.cfg.Local.ResolveForVerification(ctx, keyID)
		if err == nil {
			return pub, SourceLocal, nil
		}
		// Revocada o error de store: no se intenta el remoto.
		if !errors.Is(err, keys.ErrUnknownKey) {
			return repository.PublicKey{}, "", err
		}
		if v.cfg.LocalKeyPrefix != "" {
			// Bajo nuestro prefijo y desconocida: no tiene sentido salir a la red.
			return repository.PublicKey{}, "", err
		}
	}
	if v.cfg.Cache == nil {
		return repository.PublicKey{}, "", errors.New("no remote key cache configured")
	}
	return v.cfg.Cache.Resolve(ctx, keyID, force)
}
