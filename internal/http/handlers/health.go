package handlers

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/http/errors"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// Check es una dependencia a verificar en /readyz (db, redis, ...).
type Check func(ctx context.Context) error

// Health atiende /healthz y /readyz.
type Health struct {
	Version string
	Checks  map[string]Check
	// Engine y SelfKey habilitan el self-check: firmar y verificar un
	// request sintético con una clave efímera.
	Engine  *httpsig.Engine
	SelfKey crypto.Signer
}

// Healthz: el proceso responde.
func (h *Health) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz: dependencias alcanzables y firma funcionando.
func (h *Health) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.Version != "" {
		w.Header().Set("X-Service-Version", h.Version)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for n := range h.Checks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := h.Checks[n](ctx); err != nil {
			logger.From(r.Context()).Error("readiness check failed", logger.String("check", n), logger.Err(err))
			errors.WriteError(w, errors.ErrServiceUnavailable.WithDetail(n+" unavailable").WithCause(err))
			return
		}
	}
	if err := h.selfCheck(); err != nil {
		logger.From(r.Context()).Error("signature self-check failed", logger.Err(err))
		errors.WriteError(w, errors.ErrServiceUnavailable.WithDetail("signature self-check failed").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Health) selfCheck() error {
	if h.Engine == nil || h.SelfKey == nil {
		return nil
	}
	alg := repository.AlgRSASHA256
	if !h.Engine.Allowed(alg) {
		alg = repository.AlgHS2019
	}
	key := &repository.Key{
		ID:         "urn:hellofed:selfcheck#key",
		ActorID:    "urn:hellofed:selfcheck",
		Algorithm:  alg,
		PrivateKey: h.SelfKey,
		PublicKey:  h.SelfKey.Public(),
		State:      repository.KeyActive,
	}
	body := []byte(`{"type":"Create"}`)
	hdr := http.Header{}
	hdr.Set("Host", "selfcheck.invalid")
	hdr.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	hdr.Set("Digest", httpsig.Digest(body))
	sc := httpsig.SigningContext{Method: http.MethodPost, Path: "/inbox", Headers: hdr, Body: body}

	sig, err := h.Engine.Sign(sc, nil, key)
	if err != nil {
		return err
	}
	parsed, err := httpsig.ParseSignatureHeader(sig.String())
	if err != nil {
		return fmt.Errorf("reparse: %w", err)
	}
	return h.Engine.Verify(sc, parsed, key.Public())
}
