package keys

import (
	"context"
	"time"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// Scheduler corre SweepExpired y RotateDue periódicamente, fuera del camino
// de los requests.
type Scheduler struct {
	Manager    *Manager
	Every      time.Duration
	AutoRotate bool
	// Actors se bootstrapean con EnsureActive al arrancar.
	Actors []string
}

// Run bloquea hasta que ctx se cancele.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.Manager.log.With(logger.Op("scheduler"))
	for _, a := range s.Actors {
		if _, err := s.Manager.EnsureActive(ctx, a); err != nil {
			log.Error("bootstrap actor key failed", logger.ActorID(a), logger.Err(err))
		}
	}

	every := s.Every
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick ejecuta una pasada de mantenimiento.
func (s *Scheduler) Tick(ctx context.Context) {
	log := s.Manager.log.With(logger.Op("scheduler"))
	if s.AutoRotate {
		if n, err := s.Manager.RotateDue(ctx); err != nil {
			log.Error("rotate due keys", logger.Err(err), logger.Count(n))
		} else if n > 0 {
			log.Info("rotated due keys", logger.Count(n))
		}
	}
	if _, err := s.Manager.SweepExpired(ctx); err != nil {
		log.Error("sweep expired keys", logger.Err(err))
	}
}
