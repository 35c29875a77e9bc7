// Package delivery es el DeliveryQueue: fan-out de una actividad a sus
// inboxes destino, firma por intento y envío con retry/backoff.
//
//	Pending --claim--> InFlight --2xx--> Succeeded
//	                            --retryable, attempts < max--> Pending
//	                            --retryable, attempts == max--> DeadLettered
//	                            --permanent / firma imposible--> Failed
//	Pending --cancel--> Cancelled
//
// El claim Pending→InFlight es atómico en el JobStore; es el único punto
// con exclusión mutua entre workers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dropDatabas3/hellofed/internal/activity"
	"github.com/dropDatabas3/hellofed/internal/audit"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Defaults.
const (
	DefaultWorkers      = 10
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultUserAgent    = "hellofed/1.0"
)

// Signer entrega la clave Active vigente; keys.Manager lo implementa.
type Signer interface {
	ResolveForSigning(ctx context.Context, actorID string) (*repository.Key, error)
}

// Notifier recibe cada job que termina en Failed o DeadLettered.
type Notifier interface {
	Notify(ctx context.Context, job *repository.DeliveryJob) error
}

// Config de la cola. Ceros toman los defaults.
type Config struct {
	Workers      int
	MaxAttempts  int
	Timeout      time.Duration
	PollInterval time.Duration
	Backoff      Backoff
	UserAgent    string
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// Option configura una Queue.
type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }
func WithLogger(l *zap.Logger) Option       { return func(q *Queue) { q.log = l } }
func WithNotifier(n Notifier) Option        { return func(q *Queue) { q.notifier = n } }

// Queue es el DeliveryQueue.
type Queue struct {
	store     repository.JobStore
	signer    Signer
	engine    *httpsig.Engine
	transport Transport
	notifier  Notifier
	cfg       Config
	now       func() time.Time
	log       *zap.Logger

	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	wake chan struct{}
}

func NewQueue(store repository.JobStore, signer Signer, engine *httpsig.Engine, transport Transport, cfg Config, opts ...Option) *Queue {
	cfg.defaults()
	q := &Queue{
		store:     store,
		signer:    signer,
		engine:    engine,
		transport: transport,
		cfg:       cfg,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = logger.OrNop(q.log).With(logger.Component("delivery"))
	q.sem = semaphore.NewWeighted(int64(cfg.Workers))
	return q
}

func (q *Queue) Config() Config { return q.cfg }

// ─── Admisión ───

// Enqueue planifica el fan-out de act y admite un job por target. Devuelve
// de inmediato; el envío es asíncrono. Los destinatarios malformados quedan
// como jobs Failed, así el llamador los ve en el status.
func (q *Queue) Enqueue(ctx context.Context, act *activity.Activity, recipients []Recipient) ([]string, error) {
	if act == nil {
		return nil, fmt.Errorf("%w: nil activity", activity.ErrInvalid)
	}
	body, err := act.DeliveryBody()
	if err != nil {
		return nil, err
	}
	return q.EnqueueRaw(ctx, act.Actor, act.ID, body, recipients)
}

// EnqueueRaw es Enqueue para un payload ya serializado.
func (q *Queue) EnqueueRaw(ctx context.Context, actorID, activityID string, payload []byte, recipients []Recipient) ([]string, error) {
	if actorID == "" || len(payload) == 0 {
		return nil, repository.ErrInvalidInput
	}
	targets, malformed := Plan(recipients)
	now := q.now().UTC()

	jobs := make([]*repository.DeliveryJob, 0, len(targets)+len(malformed))
	for _, t := range targets {
		jobs = append(jobs, &repository.DeliveryJob{
			ID:            uuid.NewString(),
			ActivityID:    activityID,
			ActorID:       actorID,
			Payload:       payload,
			TargetInbox:   t.Inbox,
			Recipients:    t.Recipients,
			State:         repository.JobPending,
			MaxAttempts:   q.cfg.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	var failed []*repository.DeliveryJob
	for _, m := range malformed {
		done := now
		j := &repository.DeliveryJob{
			ID:            uuid.NewString(),
			ActivityID:    activityID,
			ActorID:       actorID,
			Payload:       payload,
			TargetInbox:   firstNonEmpty(m.Recipient.SharedInbox, m.Recipient.Inbox),
			State:         repository.JobFailed,
			MaxAttempts:   q.cfg.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
			CompletedAt:   &done,
			LastError:     fmt.Sprintf("%v: %s", ErrMalformedRecipient, m.Reason),
		}
		if m.Recipient.ID != "" {
			j.Recipients = []string{m.Recipient.ID}
		}
		jobs = append(jobs, j)
		failed = append(failed, j)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	if err := q.store.Insert(ctx, jobs...); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	metrics.DeliveryJobsEnqueued.Add(float64(len(targets)))
	q.log.Debug("activity enqueued",
		logger.ActorID(actorID), logger.String("activity_id", activityID),
		logger.Count(len(targets)), logger.Int("malformed", len(malformed)))
	for _, j := range failed {
		q.notify(ctx, j)
	}
	q.Wake()
	return ids, nil
}

// Wake despierta el loop de Run sin esperar al poll.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ─── Consulta ───

// Status devuelve el job por id.
func (q *Queue) Status(ctx context.Context, id string) (*repository.DeliveryJob, error) {
	return q.store.Get(ctx, id)
}

// Cancel cancela un job Pending. Un job InFlight termina su intento actual;
// en ese caso devuelve repository.ErrNotCancellable.
func (q *Queue) Cancel(ctx context.Context, id string) (*repository.DeliveryJob, error) {
	j, err := q.store.Cancel(ctx, id, q.now().UTC())
	if err == nil {
		q.log.Info("delivery cancelled", logger.JobID(id))
		audit.Log(ctx, audit.DeliveryCancelled, logger.JobID(id), logger.Inbox(j.TargetInbox))
	}
	return j, err
}

func (q *Queue) List(ctx context.Context, state repository.JobState, limit int) ([]*repository.DeliveryJob, error) {
	return q.store.ListByState(ctx, state, limit)
}

// ─── Scheduler ───

// Run drena la cola hasta que ctx se cancela. Al salir espera a que los
// intentos en vuelo terminen; esos intentos no se cancelan con ctx.
func (q *Queue) Run(ctx context.Context) error {
	q.recover(ctx)
	lastRecover := q.now()

	defer q.wg.Wait()
	for {
		claimed, full, err := q.dispatch(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("claim failed", logger.Err(err))
		}
		if q.now().Sub(lastRecover) > time.Minute {
			q.recover(ctx)
			lastRecover = q.now()
		}
		if claimed > 0 && full {
			continue
		}

		wait := q.cfg.PollInterval
		if at, ok, err := q.store.NextDue(ctx); err == nil && ok {
			if d := at.Sub(q.now()); d < wait {
				wait = max(d, 10*time.Millisecond)
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-q.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// dispatch reclama tantos jobs vencidos como workers libres haya y los
// lanza. full indica que se usaron todos los workers libres.
func (q *Queue) dispatch(ctx context.Context) (int, bool, error) {
	free := 0
	for q.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		// Todos ocupados: esperar a que alguno libere.
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return 0, false, nil
		}
		free = 1
	}
	jobs, err := q.store.ClaimDue(ctx, q.now().UTC(), free)
	if err != nil {
		q.sem.Release(int64(free))
		return 0, false, err
	}
	if unused := free - len(jobs); unused > 0 {
		q.sem.Release(int64(unused))
	}
	bg := context.WithoutCancel(ctx)
	for _, j := range jobs {
		q.wg.Add(1)
		go func(j *repository.DeliveryJob) {
			defer q.wg.Done()
			defer q.sem.Release(1)
			q.attempt(bg, j)
		}(j)
	}
	return len(jobs), len(jobs) == free, nil
}

// ProcessDue reclama hasta Workers jobs vencidos, los ejecuta y espera a
// que terminen. Lo usan el CLI y los tests para avanzar la cola sin Run.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	jobs, err := q.store.ClaimDue(ctx, q.now().UTC(), q.cfg.Workers)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *repository.DeliveryJob) {
			defer wg.Done()
			q.attempt(context.WithoutCancel(ctx), j)
		}(j)
	}
	wg.Wait()
	return len(jobs), nil
}

func (q *Queue) recover(ctx context.Context) {
	// Un intento no puede durar más que Timeout; el doble deja margen a
	// otros procesos que comparten el store.
	n, err := q.store.RecoverInFlight(ctx, q.now().UTC().Add(-2*q.cfg.Timeout))
	if err != nil {
		q.log.Warn("recover in-flight failed", logger.Err(err))
		return
	}
	if n > 0 {
		q.log.Info("recovered orphaned in-flight jobs", logger.Count(n))
	}
}

// ─── Intento ───

func (q *Queue) attempt(ctx context.Context, job *repository.DeliveryJob) {
	metrics.DeliveryInFlight.Inc()
	defer metrics.DeliveryInFlight.Dec()
	start := time.Now()
	log := q.log.With(logger.JobID(job.ID), logger.Inbox(job.TargetInbox), logger.Attempt(job.Attempts))

	status, derr := q.send(ctx, job)
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	now := q.now().UTC()
	job.UpdatedAt = now
	job.LastStatus = status
	job.LastError = ""
	if derr != nil {
		job.LastError = derr.Error()
	}

	switch {
	case derr == nil:
		job.State = repository.JobSucceeded
		job.CompletedAt = &now
	case !IsRetryable(derr):
		job.State = repository.JobFailed
		job.CompletedAt = &now
	case job.Attempts >= job.MaxAttempts:
		job.State = repository.JobDeadLettered
		job.CompletedAt = &now
	default:
		job.State = repository.JobPending
		job.NextAttemptAt = now.Add(q.retryDelay(job.Attempts, derr))
	}

	if err := q.store.Finish(ctx, job); err != nil {
		log.Error("persisting attempt result failed", logger.Err(err), logger.String("state", string(job.State)))
		return
	}
	metrics.DeliveryAttempts.WithLabelValues(outcome(job.State)).Inc()

	switch job.State {
	case repository.JobSucceeded:
		log.Debug("delivered", logger.Status(status))
	case repository.JobPending:
		log.Info("delivery will retry", logger.Err(derr), logger.NextAttempt(job.NextAttemptAt))
		q.Wake()
	default:
		log.Warn("delivery gave up", logger.Err(derr), logger.String("state", string(job.State)))
		q.notify(ctx, job)
	}
}

// send firma con la clave Active vigente (nunca una cacheada de un intento
// anterior) y envía. Devuelve el status HTTP (0 si no hubo respuesta) y
// nil en 2xx.
func (q *Queue) send(ctx context.Context, job *repository.DeliveryJob) (int, *DeliveryError) {
	key, err := q.signer.ResolveForSigning(ctx, job.ActorID)
	if err != nil {
		return 0, &DeliveryError{Class: Permanent, Err: &httpsig.SigningError{Err: err}}
	}

	req, err := http.NewRequest(http.MethodPost, job.TargetInbox, nil)
	if err != nil {
		return 0, &DeliveryError{Class: Permanent, Err: fmt.Errorf("%w: %v", ErrMalformedRecipient, err)}
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", q.cfg.UserAgent)
	if err := q.engine.SignRequest(req, job.Payload, key); err != nil {
		metrics.SignaturesCreated.WithLabelValues("error").Inc()
		return 0, &DeliveryError{Class: Permanent, Err: err}
	}
	metrics.SignaturesCreated.WithLabelValues("ok").Inc()

	sctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()
	resp, err := q.transport.Send(sctx, job.TargetInbox, req.Header, job.Payload)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return status, Classify(resp, err, q.now())
}

// retryDelay usa el Retry-After del remoto si vino, si no el backoff.
// Ambos quedan acotados por Backoff.Max.
func (q *Queue) retryDelay(attempt int, derr *DeliveryError) time.Duration {
	maxDelay := q.cfg.Backoff.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if derr.RetryAfter > 0 {
		return min(derr.RetryAfter, maxDelay)
	}
	return q.cfg.Backoff.Next(attempt)
}

func (q *Queue) notify(ctx context.Context, job *repository.DeliveryJob) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Notify(ctx, job.Clone()); err != nil {
		q.log.Warn("dead-letter notification failed", logger.JobID(job.ID), logger.Err(err))
	}
}

func outcome(s repository.JobState) string {
	switch s {
	case repository.JobPending:
		return "retry"
	default:
		return string(s)
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsNotCancellable reporta si Cancel falló porque el job ya no está Pending.
func IsNotCancellable(err error) bool { return errors.Is(err, repository.ErrNotCancellable) }
