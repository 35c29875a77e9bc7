package handlers

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/dropDatabas3/hellofed/internal/http/errors"
)

const maxJSONBody = 1 << 20

// readJSON decodifica el body en v. Devuelve false si ya escribió el error.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "json") {
		errors.WriteError(w, errors.ErrUnsupportedMediaType)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			errors.WriteError(w, errors.ErrBodyTooLarge)
			return false
		}
		if err == io.EOF {
			errors.WriteError(w, errors.ErrInvalidJSON.WithDetail("empty body"))
			return false
		}
		errors.WriteError(w, errors.ErrInvalidJSON.WithDetail(err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSONType(w, status, "application/json; charset=utf-8", v)
}

func writeJSONType(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
