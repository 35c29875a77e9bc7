package pg

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, activity_id, actor_id, payload, target_inbox, recipients, state,
	attempts, max_attempts, next_attempt_at, created_at, updated_at, completed_at,
	last_status, last_error`

// JobStore persiste jobs en delivery_jobs. El claim usa
// FOR UPDATE SKIP LOCKED, así varios procesos pueden drenar la misma tabla.
type JobStore struct{ s *Store }

var _ repository.JobStore = (*JobStore)(nil)

func NewJobStore(s *Store) *JobStore { return &JobStore{s: s} }

func (j *JobStore) Insert(ctx context.Context, jobs ...*repository.DeliveryJob) error {
	if len(jobs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, job := range jobs {
		if job == nil || job.ID == "" {
			return repository.ErrInvalidInput
		}
		batch.Queue(`INSERT INTO delivery_jobs (`+jobColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			job.ID, job.ActivityID, job.ActorID, job.Payload, job.TargetInbox, job.Recipients,
			string(job.State), job.Attempts, job.MaxAttempts, job.NextAttemptAt,
			job.CreatedAt, job.UpdatedAt, job.CompletedAt, job.LastStatus, job.LastError)
	}
	tx, err := j.s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert delivery jobs: %w", err)
	}
	return tx.Commit(ctx)
}

func (j *JobStore) Get(ctx context.Context, id string) (*repository.DeliveryJob, error) {
	job, err := scanJob(j.s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, repository.ErrNotFound
	}
	return job, err
}

func (j *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*repository.DeliveryJob, error) {
	const q = `
		UPDATE delivery_jobs SET state = 'in_flight', attempts = attempts + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM delivery_jobs
			WHERE state = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	jobs, err := j.query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	// RETURNING no respeta el ORDER BY de la subquery.
	sortByNextAttempt(jobs)
	return jobs, nil
}

func (j *JobStore) Finish(ctx context.Context, job *repository.DeliveryJob) error {
	if job.State != repository.JobPending && !job.State.Terminal() {
		return repository.ErrInvalidTransition
	}
	tag, err := j.s.pool.Exec(ctx, `
		UPDATE delivery_jobs SET state = $2, next_attempt_at = $3, updated_at = $4,
			completed_at = $5, last_status = $6, last_error = $7
		WHERE id = $1 AND state = 'in_flight'`,
		job.ID, string(job.State), job.NextAttemptAt, job.UpdatedAt,
		job.CompletedAt, job.LastStatus, job.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := j.Get(ctx, job.ID); err != nil {
			return err
		}
		return repository.ErrInvalidTransition
	}
	return nil
}

func (j *JobStore) Cancel(ctx context.Context, id string, now time.Time) (*repository.DeliveryJob, error) {
	job, err := scanJob(j.s.pool.QueryRow(ctx, `
		UPDATE delivery_jobs SET state = 'cancelled', updated_at = $2, completed_at = $2
		WHERE id = $1 AND state = 'pending'
		RETURNING `+jobColumns, id, now))
	if err == nil {
		return job, nil
	}
	if !isNoRows(err) {
		return nil, err
	}
	cur, err := j.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return cur, repository.ErrNotCancellable
}

func (j *JobStore) ListByState(ctx context.Context, state repository.JobState, limit int) ([]*repository.DeliveryJob, error) {
	if limit <= 0 {
		limit = 1000
	}
	return j.query(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE state = $1 ORDER BY created_at LIMIT $2`,
		string(state), limit)
}

func (j *JobStore) RecoverInFlight(ctx context.Context, before time.Time) (int, error) {
	tag, err := j.s.pool.Exec(ctx, `
		UPDATE delivery_jobs SET state = 'pending', next_attempt_at = $1, updated_at = $1
		WHERE state = 'in_flight' AND updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (j *JobStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	var at *time.Time
	if err := j.s.pool.QueryRow(ctx,
		`SELECT MIN(next_attempt_at) FROM delivery_jobs WHERE state = 'pending'`).Scan(&at); err != nil {
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

func (j *JobStore) query(ctx context.Context, q string, args ...any) ([]*repository.DeliveryJob, error) {
	rows, err := j.s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*repository.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*repository.DeliveryJob, error) {
	var (
		job   repository.DeliveryJob
		state string
	)
	err := row.Scan(&job.ID, &job.ActivityID, &job.ActorID, &job.Payload, &job.TargetInbox,
		&job.Recipients, &state, &job.Attempts, &job.MaxAttempts, &job.NextAttemptAt,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt, &job.LastStatus, &job.LastError)
	if err != nil {
		return nil, err
	}
	job.State = repository.JobState(state)
	return &job, nil
}

func sortByNextAttempt(jobs []*repository.DeliveryJob) {
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].NextAttemptAt.Before(jobs[k].NextAttemptAt) })
}
