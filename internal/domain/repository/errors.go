package repository

import "errors"

var (
	// ErrNotFound indica que el recurso solicitado no existe.
	ErrNotFound = errors.New("not found")

	// ErrConflict indica un conflicto (ej: id duplicado, transición concurrente).
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indica que los datos de entrada son inválidos.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotCancellable indica que el job ya no está Pending.
	ErrNotCancellable = errors.New("job not cancellable")

	// ErrInvalidTransition indica una transición de estado no permitida.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// IsNotFound verifica si el error es ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
