package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/dropDatabas3/hellofed/internal/activity"
	"github.com/dropDatabas3/hellofed/internal/http/errors"
	mw "github.com/dropDatabas3/hellofed/internal/http/middlewares"
	"github.com/dropDatabas3/hellofed/internal/inbound"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// InboxSink recibe las actividades ya autenticadas. Lo que haga con ellas
// queda fuera del motor de federación.
type InboxSink interface {
	Receive(ctx context.Context, act *activity.Activity, d inbound.Decision) error
}

// InboxSinkFunc adapta una función a InboxSink.
type InboxSinkFunc func(ctx context.Context, act *activity.Activity, d inbound.Decision) error

func (f InboxSinkFunc) Receive(ctx context.Context, act *activity.Activity, d inbound.Decision) error {
	return f(ctx, act, d)
}

// LogSink solo registra la actividad recibida.
var LogSink = InboxSinkFunc(func(ctx context.Context, act *activity.Activity, d inbound.Decision) error {
	logger.From(ctx).Info("activity received",
		logger.String("type", act.Type),
		logger.String("activity_id", act.ID),
		logger.ActorID(act.Actor),
		logger.KeyID(d.KeyID),
	)
	return nil
})

// Verifier es lo que el inbox necesita del InboundVerifier.
type Verifier interface {
	Verify(ctx context.Context, req inbound.Request) inbound.Decision
}

// Inbox atiende POST a un inbox (compartido o por actor).
type Inbox struct {
	Verifier Verifier
	Sink     InboxSink
	MaxBody  int64
}

var inboxTypes = []string{"application/activity+json", "application/ld+json", "application/json"}

func (h *Inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !acceptsActivity(r.Header.Get("Content-Type")) {
		errors.WriteError(w, errors.ErrUnsupportedMediaType)
		return
	}
	req, err := inbound.RequestFromHTTP(r, h.MaxBody)
	if err != nil {
		if stderrors.Is(err, inbound.ErrBodyTooLarge) {
			errors.WriteError(w, errors.ErrBodyTooLarge)
			return
		}
		errors.WriteError(w, errors.ErrBadRequest.WithCause(err))
		return
	}
	req.RemoteIP = mw.ClientIP(r)

	d := h.Verifier.Verify(r.Context(), req)
	if !d.Accepted {
		if d.Reason == inbound.ReasonRateLimited {
			errors.WriteError(w, errors.ErrRateLimitExceeded.WithRetryAfter(d.RetryAfter))
			return
		}
		errors.WriteError(w, errors.ErrSignatureInvalid.WithDetail(string(d.Reason)))
		return
	}

	act, err := activity.Parse(req.Body)
	if err != nil {
		errors.WriteError(w, errors.ErrInvalidActivity.WithDetail(err.Error()))
		return
	}
	if !ownedBy(act.Actor, d) {
		logger.From(r.Context()).Warn("activity actor does not own signing key",
			logger.ActorID(act.Actor), logger.KeyID(d.KeyID))
		errors.WriteError(w, errors.ErrActorMismatch)
		return
	}

	sink := h.Sink
	if sink == nil {
		sink = LogSink
	}
	if err := sink.Receive(r.Context(), act, d); err != nil {
		logger.From(r.Context()).Error("inbox sink failed", logger.Err(err))
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func acceptsActivity(ct string) bool {
	media, _, _ := strings.Cut(strings.ToLower(ct), ";")
	media = strings.TrimSpace(media)
	for _, t := range inboxTypes {
		if media == t {
			return true
		}
	}
	return false
}

// ownedBy: el actor de la actividad debe ser el dueño de la clave. Si el
// documento remoto no declaró owner, se acepta un keyId que cuelgue del actor.
func ownedBy(actor string, d inbound.Decision) bool {
	if d.Owner != "" {
		return d.Owner == actor
	}
	base, _, _ := strings.Cut(d.KeyID, "#")
	return base == actor
}
