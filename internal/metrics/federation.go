package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Federation metrics. Viven en un paquete aparte para que keys, delivery,
// inbound y http puedan instrumentarse sin ciclos de import.

var (
	KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_key_rotations_total",
		Help: "Claves generadas, por motivo (bootstrap, scheduled, forced, revoked)",
	}, []string{"reason"})

	KeysArchived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hellofed_keys_archived_total",
		Help: "Claves Overlapping movidas a Archived por el sweep",
	})

	SignaturesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_signatures_created_total",
		Help: "Firmas producidas, por resultado",
	}, []string{"result"})

	InboundVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_inbound_verifications_total",
		Help: "Resultados de verificación inbound, por reason (accepted si es válida)",
	}, []string{"reason"})

	KeyCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_key_cache_lookups_total",
		Help: "Lookups al cache de claves públicas remotas (fresh, stale, miss)",
	}, []string{"result"})

	RemoteKeyFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_remote_key_fetches_total",
		Help: "Fetches de claves remotas, por resultado",
	}, []string{"result"})

	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_delivery_attempts_total",
		Help: "Intentos de delivery, por outcome (succeeded, retry, failed, dead_lettered)",
	}, []string{"outcome"})

	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hellofed_delivery_attempt_seconds",
		Help:    "Duración de cada intento de delivery",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 11),
	})

	DeliveryJobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hellofed_delivery_jobs_enqueued_total",
		Help: "Jobs admitidos tras el fan-out planning",
	})

	DeliveryInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hellofed_delivery_inflight",
		Help: "Jobs InFlight en este proceso",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_rate_limited_total",
		Help: "Requests rechazados por el RateGate, por bucket",
	}, []string{"bucket"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellofed_http_requests_total",
		Help: "Número total de requests procesadas",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hellofed_http_request_duration_seconds",
		Help:    "Latencia de los requests HTTP",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		KeyRotations, KeysArchived, SignaturesCreated,
		InboundVerifications, KeyCacheLookups, RemoteKeyFetches,
		DeliveryAttempts, DeliveryLatency, DeliveryJobsEnqueued, DeliveryInFlight,
		RateLimited, HTTPRequests, HTTPDuration,
	}
}

// Register registra todas las métricas en reg (o el default si es nil).
// Registrar dos veces no es error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
