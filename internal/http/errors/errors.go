// Package errors es el contrato de errores de la superficie HTTP.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/rate"
)

// AppError es el error que viaja hasta el cliente.
type AppError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Detail     string        `json:"detail,omitempty"`
	HTTPStatus int           `json:"-"`
	RetryAfter time.Duration `json:"-"` // se emite como Retry-After si > 0
	Err        error         `json:"-"` // causa, solo para logs
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// New crea un AppError.
func New(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// WithDetail devuelve una COPIA con Detail; las variables base no se mutan.
func (e *AppError) WithDetail(detail string) *AppError {
	c := *e
	c.Detail = detail
	return &c
}

// WithCause devuelve una COPIA con la causa.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

// WithRetryAfter devuelve una COPIA que emite Retry-After.
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	c := *e
	c.RetryAfter = d
	return &c
}

// FromError traduce errores de otras capas. Lo que no reconoce es 500,
// conservando la causa.
func FromError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	var rl *rate.RateLimitError
	if stderrors.As(err, &rl) {
		return ErrRateLimitExceeded.WithRetryAfter(rl.RetryAfter).WithCause(err)
	}
	if reason, ok := httpsig.ReasonOf(err); ok {
		return ErrSignatureInvalid.WithDetail(string(reason)).WithCause(err)
	}
	switch {
	case stderrors.Is(err, repository.ErrNotFound):
		return ErrNotFound.WithCause(err)
	case stderrors.Is(err, repository.ErrNotCancellable):
		return ErrNotCancellable.WithCause(err)
	case stderrors.Is(err, repository.ErrConflict):
		return ErrConflict.WithCause(err)
	case stderrors.Is(err, repository.ErrInvalidInput):
		return ErrBadRequest.WithDetail(err.Error()).WithCause(err)
	}
	return ErrInternalServerError.WithCause(err)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// WriteError escribe err como JSON. La causa nunca se expone.
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	if appErr.RetryAfter > 0 {
		secs := int64((appErr.RetryAfter + time.Second - 1) / time.Second)
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	if appErr.Code == ErrSignatureInvalid.Code {
		h.Set("WWW-Authenticate", `Signature realm="inbox",headers="(request-target) host date digest"`)
	}
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:    appErr.Code,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	})
}
