package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/http/errors"
	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
	"github.com/dropDatabas3/hellofed/internal/validation"
)

const securityContext = "https://w3id.org/security/v1"

// KeyResolver resuelve claves locales para publicar; keys.Manager lo implementa.
type KeyResolver interface {
	ResolveForVerification(ctx context.Context, keyID string) (repository.PublicKey, error)
}

// KeyDocument publica la mitad pública de cualquier clave local no revocada
// por compromiso, también Overlapping o Archived, para que los remotos
// puedan verificar firmas hechas antes de una rotación.
//
//	GET /keys?id=<keyId>
type KeyDocument struct {
	Keys KeyResolver
}

type keyDocResponse struct {
	Context      string `json:"@context"`
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
	State        string `json:"state,omitempty"`
}

func (h *KeyDocument) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		errors.WriteError(w, errors.ErrInvalidParameter.WithDetail("id is required"))
		return
	}
	if _, ok := validation.KeyOwner(id); !ok {
		errors.WriteError(w, errors.ErrInvalidParameter.WithDetail("id must be <actor>#<fragment>"))
		return
	}
	pub, err := h.Keys.ResolveForVerification(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, keys.ErrKeyRevoked) || stderrors.Is(err, keys.ErrUnknownKey) {
			errors.WriteError(w, errors.ErrNotFound.WithDetail("unknown key"))
			return
		}
		errors.WriteError(w, err)
		return
	}
	pemStr, err := keypem.EncodePublic(pub.Key)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSONType(w, http.StatusOK, "application/activity+json", keyDocResponse{
		Context:      securityContext,
		ID:           pub.ID,
		Owner:        pub.Owner,
		PublicKeyPem: pemStr,
		State:        string(pub.State),
	})
}
