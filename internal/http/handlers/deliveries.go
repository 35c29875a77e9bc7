package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dropDatabas3/hellofed/internal/activity"
	"github.com/dropDatabas3/hellofed/internal/delivery"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/http/errors"
	"github.com/go-chi/chi/v5"
)

// DeliveryService es la cara pública de delivery.Queue.
type DeliveryService interface {
	Enqueue(ctx context.Context, act *activity.Activity, recipients []delivery.Recipient) ([]string, error)
	Status(ctx context.Context, id string) (*repository.DeliveryJob, error)
	Cancel(ctx context.Context, id string) (*repository.DeliveryJob, error)
	List(ctx context.Context, state repository.JobState, limit int) ([]*repository.DeliveryJob, error)
}

// Deliveries son los endpoints de operador sobre la cola de salida.
type Deliveries struct {
	Queue DeliveryService
}

type jobView struct {
	ID            string     `json:"id"`
	ActivityID    string     `json:"activity_id,omitempty"`
	ActorID       string     `json:"actor"`
	TargetInbox   string     `json:"target_inbox"`
	Recipients    []string   `json:"recipients,omitempty"`
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastStatus    int        `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

func viewOf(j *repository.DeliveryJob) jobView {
	v := jobView{
		ID:          j.ID,
		ActivityID:  j.ActivityID,
		ActorID:     j.ActorID,
		TargetInbox: j.TargetInbox,
		Recipients:  j.Recipients,
		State:       string(j.State),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
		LastStatus:  j.LastStatus,
		LastError:   j.LastError,
	}
	if j.State == repository.JobPending {
		t := j.NextAttemptAt
		v.NextAttemptAt = &t
	}
	return v
}

type recipientIn struct {
	ID          string `json:"id"`
	Inbox       string `json:"inbox"`
	SharedInbox string `json:"shared_inbox"`
}

type enqueueRequest struct {
	Activity   json.RawMessage `json:"activity"`
	Recipients []recipientIn   `json:"recipients"`
}

// Enqueue: POST /deliveries
func (h *Deliveries) Enqueue(w http.ResponseWriter, r *http.Request) {
	var in enqueueRequest
	if !readJSON(w, r, &in) {
		return
	}
	act, err := activity.Parse(in.Activity)
	if err != nil {
		errors.WriteError(w, errors.ErrInvalidActivity.WithDetail(err.Error()))
		return
	}
	if len(in.Recipients) == 0 {
		errors.WriteError(w, errors.ErrBadRequest.WithDetail("recipients must not be empty"))
		return
	}
	rs := make([]delivery.Recipient, len(in.Recipients))
	for i, rc := range in.Recipients {
		rs[i] = delivery.Recipient{ID: rc.ID, Inbox: rc.Inbox, SharedInbox: rc.SharedInbox}
	}
	ids, err := h.Queue.Enqueue(r.Context(), act, rs)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

// Get: GET /deliveries/{id}
func (h *Deliveries) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.Queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

// Cancel: DELETE /deliveries/{id}. 409 si el job ya no está Pending.
func (h *Deliveries) Cancel(w http.ResponseWriter, r *http.Request) {
	j, err := h.Queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

// List: GET /deliveries?state=dead_lettered&limit=100
func (h *Deliveries) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stateRaw := q.Get("state")
	if stateRaw == "" {
		stateRaw = string(repository.JobPending)
	}
	state, ok := repository.ParseJobState(stateRaw)
	if !ok {
		errors.WriteError(w, errors.ErrInvalidParameter.WithDetail("unknown state "+strconv.Quote(stateRaw)))
		return
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			errors.WriteError(w, errors.ErrInvalidParameter.WithDetail("limit must be in [1,1000]"))
			return
		}
		limit = n
	}
	jobs, err := h.Queue.List(r.Context(), state, limit)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	out := make([]jobView, len(jobs))
	for i, j := range jobs {
		out[i] = viewOf(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "jobs": out})
}
