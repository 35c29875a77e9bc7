package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class decide la política de retry de un intento fallido.
type Class int

const (
	Retryable Class = iota + 1
	Permanent
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// DeliveryError es el resultado clasificado de un intento fallido.
type DeliveryError struct {
	Class      Class
	StatusCode int
	RetryAfter time.Duration // hint del remoto; 0 si no hubo
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: http %d: %v", e.Class, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d", e.Class, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return e.Class.String()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRetryable reporta si err es un DeliveryError reintentable.
func IsRetryable(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Class == Retryable
}

// ErrMalformedRecipient marca un destinatario sin inbox utilizable.
var ErrMalformedRecipient = errors.New("malformed recipient")

// Classify traduce el resultado de Send. nil significa éxito (2xx).
//
//	error de red / timeout      -> Retryable
//	408, 429, 5xx               -> Retryable (Retry-After si viene)
//	cualquier otro 3xx / 4xx    -> Permanent
func Classify(resp *Response, err error, now time.Time) *DeliveryError {
	if err != nil {
		if errors.Is(err, ErrMalformedRecipient) || errors.Is(err, errBadURL) {
			return &DeliveryError{Class: Permanent, Err: err}
		}
		return &DeliveryError{Class: Retryable, Err: err}
	}
	if resp == nil {
		return &DeliveryError{Class: Retryable, Err: errors.New("no response")}
	}
	code := resp.StatusCode
	switch {
	case code >= 200 && code <= 299:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &DeliveryError{
			Class:      Retryable,
			StatusCode: code,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	}
	return &DeliveryError{Class: Permanent, StatusCode: code}
}

// ParseRetryAfter acepta delta-seconds o HTTP-date. Devuelve 0 si no hay
// hint utilizable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
