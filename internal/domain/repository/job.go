package repository

import (
	"context"
	"time"
)

// JobState es el estado de un DeliveryJob.
type JobState string

const (
	JobPending      JobState = "pending"
	JobInFlight     JobState = "in_flight"
	JobSucceeded    JobState = "succeeded"
	JobFailed       JobState = "failed"
	JobDeadLettered JobState = "dead_lettered"
	JobCancelled    JobState = "cancelled"
)

// Terminal reporta si el estado ya no admite transiciones.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobDeadLettered, JobCancelled:
		return true
	}
	return false
}

// ParseJobState valida un estado recibido desde afuera (query params, CLI).
func ParseJobState(s string) (JobState, bool) {
	switch st := JobState(s); st {
	case JobPending, JobInFlight, JobSucceeded, JobFailed, JobDeadLettered, JobCancelled:
		return st, true
	}
	return "", false
}

// DeliveryJob es un envío de una actividad a un inbox concreto.
type DeliveryJob struct {
	ID          string
	ActivityID  string
	ActorID     string   // actor local que firma
	Payload     []byte   // body exacto a enviar; no se muta
	TargetInbox string   // inbox individual o shared inbox
	Recipients  []string // actores cubiertos por este inbox

	State         JobState
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time

	LastStatus int
	LastError  string
}

// Clone devuelve una copia independiente del job.
func (j *DeliveryJob) Clone() *DeliveryJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	c.Recipients = append([]string(nil), j.Recipients...)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// JobStore persiste DeliveryJobs y provee el claim atómico Pending→InFlight.
type JobStore interface {
	// Insert admite jobs nuevos (Pending, o Failed si el destinatario es inválido).
	Insert(ctx context.Context, jobs ...*DeliveryJob) error

	Get(ctx context.Context, id string) (*DeliveryJob, error)

	// ClaimDue pasa a InFlight hasta limit jobs Pending con NextAttemptAt <= now,
	// en orden de NextAttemptAt, incrementando Attempts. Un job nunca es
	// devuelto a dos llamadores.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)

	// Finish persiste el resultado de un intento. El job debe estar InFlight
	// en el store; su nuevo State es Pending (retry) o terminal.
	Finish(ctx context.Context, job *DeliveryJob) error

	// Cancel pasa un job Pending a Cancelled; ErrNotCancellable si no está Pending.
	Cancel(ctx context.Context, id string, now time.Time) (*DeliveryJob, error)

	ListByState(ctx context.Context, state JobState, limit int) ([]*DeliveryJob, error)

	// RecoverInFlight devuelve a Pending los jobs InFlight cuyo UpdatedAt es
	// anterior a before (intentos huérfanos de un proceso caído).
	RecoverInFlight(ctx context.Context, before time.Time) (int, error)

	// NextDue devuelve el NextAttemptAt más temprano entre los Pending.
	NextDue(ctx context.Context) (time.Time, bool, error)
}
