package errors

import "net/http"

// =================================================================================
// ERRORES PREDEFINIDOS
// =================================================================================

// ─── 400 ───

var (
	ErrBadRequest = &AppError{
		Code:       "bad_request",
		Message:    "La solicitud contiene sintaxis inválida o parámetros faltantes.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidJSON = &AppError{
		Code:       "invalid_json",
		Message:    "El cuerpo de la solicitud no es un JSON válido.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidActivity = &AppError{
		Code:       "invalid_activity",
		Message:    "El cuerpo no es una actividad válida.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidParameter = &AppError{
		Code:       "invalid_parameter",
		Message:    "Uno de los parámetros de la URL o Query String es inválido.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrBodyTooLarge = &AppError{
		Code:       "body_too_large",
		Message:    "El cuerpo de la solicitud excede el tamaño máximo permitido.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrUnsupportedMediaType = &AppError{
		Code:       "unsupported_media_type",
		Message:    "Content-Type no soportado.",
		HTTPStatus: http.StatusUnsupportedMediaType,
	}
)

// ─── 401 / 403 ───

var (
	// ErrSignatureInvalid lleva el Reason de la verificación en Detail.
	ErrSignatureInvalid = &AppError{
		Code:       "signature_invalid",
		Message:    "La firma HTTP del request no es válida.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrUnauthorized = &AppError{
		Code:       "unauthorized",
		Message:    "No autorizado. Se requiere autenticación.",
		HTTPStatus: http.StatusUnauthorized,
	}

	// ErrActorMismatch: la firma es válida pero la clave no pertenece al actor de la actividad.
	ErrActorMismatch = &AppError{
		Code:       "actor_mismatch",
		Message:    "La clave firmante no pertenece al actor de la actividad.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrForbidden = &AppError{
		Code:       "forbidden",
		Message:    "No tiene permisos para realizar esta acción.",
		HTTPStatus: http.StatusForbidden,
	}
)

// ─── 404 / 405 / 409 ───

var (
	ErrNotFound = &AppError{
		Code:       "not_found",
		Message:    "El recurso solicitado no fue encontrado.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrRouteNotFound = &AppError{
		Code:       "route_not_found",
		Message:    "La ruta solicitada no existe.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrMethodNotAllowed = &AppError{
		Code:       "method_not_allowed",
		Message:    "El método HTTP no está permitido para este recurso.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	ErrConflict = &AppError{
		Code:       "conflict",
		Message:    "La solicitud entra en conflicto con el estado actual del servidor.",
		HTTPStatus: http.StatusConflict,
	}

	ErrNotCancellable = &AppError{
		Code:       "not_cancellable",
		Message:    "El job ya no está pendiente y no puede cancelarse.",
		HTTPStatus: http.StatusConflict,
	}
)

// ─── 429 / 5xx ───

var (
	ErrRateLimitExceeded = &AppError{
		Code:       "rate_limited",
		Message:    "Ha excedido el límite de solicitudes. Intente más tarde.",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &AppError{
		Code:       "internal_error",
		Message:    "Ocurrió un error interno en el servidor.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &AppError{
		Code:       "service_unavailable",
		Message:    "El servicio no está disponible temporalmente.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
