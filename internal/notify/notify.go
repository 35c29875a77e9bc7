// Package notify avisa a operadores cuando un job de delivery se abandona
// (Failed o DeadLettered).
package notify

import (
	"context"
	"errors"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"go.uber.org/zap"
)

// Notifier es el mismo contrato que consume delivery.Queue.
type Notifier interface {
	Notify(ctx context.Context, job *repository.DeliveryJob) error
}

// Log escribe cada job abandonado en el logger.
type Log struct{ L *zap.Logger }

func (n Log) Notify(_ context.Context, job *repository.DeliveryJob) error {
	logger.OrNop(n.L).Warn("delivery abandoned",
		logger.JobID(job.ID),
		logger.ActorID(job.ActorID),
		logger.Inbox(job.TargetInbox),
		logger.String("state", string(job.State)),
		logger.Attempt(job.Attempts),
		logger.Status(job.LastStatus),
		logger.String("last_error", job.LastError),
	)
	return nil
}

// Multi notifica a todos y junta los errores.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, job *repository.DeliveryJob) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
