// Package router arma el árbol chi del servicio.
package router

import (
	"net/http"

	"github.com/dropDatabas3/hellofed/internal/http/errors"
	"github.com/dropDatabas3/hellofed/internal/http/handlers"
	mw "github.com/dropDatabas3/hellofed/internal/http/middlewares"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps son las dependencias del router. Las nil desactivan su grupo de rutas.
type Deps struct {
	Inbox      *handlers.Inbox
	Keys       *handlers.KeyDocument
	Deliveries *handlers.Deliveries
	Health     *handlers.Health

	// AdminToken protege /deliveries (ver mw.RequireAdminToken).
	AdminToken string
	// TrustedProxies habilita X-Forwarded-For solo desde esas redes.
	TrustedProxies mw.TrustedProxies
	// Gatherer alimenta /metrics; nil usa el default de prometheus.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// New devuelve el handler raíz.
//
//	POST   /inbox, /users/{name}/inbox
//	GET    /keys?id=
//	POST   /deliveries
//	GET    /deliveries?state=&limit=
//	GET    /deliveries/{id}
//	DELETE /deliveries/{id}
//	GET    /healthz, /readyz, /metrics
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		mw.WithRecover(),
		mw.WithRequestID(),
		mw.WithClientIP(d.TrustedProxies),
		mw.WithLogging(d.Logger),
		mw.WithMetrics(),
		mw.WithSecurityHeaders(),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		errors.WriteError(w, errors.ErrRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		errors.WriteError(w, errors.ErrMethodNotAllowed)
	})

	if d.Inbox != nil {
		r.Method(http.MethodPost, "/inbox", d.Inbox)
		r.Method(http.MethodPost, "/users/{name}/inbox", d.Inbox)
	}
	if d.Keys != nil {
		r.Method(http.MethodGet, "/keys", d.Keys)
	}
	if d.Deliveries != nil {
		r.Route("/deliveries", func(r chi.Router) {
			r.Use(mw.RequireAdminToken(d.AdminToken), mw.WithNoStore())
			r.Post("/", d.Deliveries.Enqueue)
			r.Get("/", d.Deliveries.List)
			r.Get("/{id}", d.Deliveries.Get)
			r.Delete("/{id}", d.Deliveries.Cancel)
		})
	}

	if d.Health != nil {
		r.Get("/healthz", d.Health.Healthz)
		r.Get("/readyz", d.Health.Readyz)
	}
	g := d.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}
