package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - FEDERACIÓN
// =================================================================================

// ActorID identifica al actor local o remoto.
func ActorID(v string) zap.Field {
	return zap.String("actor_id", v)
}

// KeyID identifica una clave de firma (URI).
func KeyID(v string) zap.Field {
	return zap.String("key_id", v)
}

// JobID identifica un DeliveryJob.
func JobID(v string) zap.Field {
	return zap.String("job_id", v)
}

// Inbox es la URL destino de un delivery.
func Inbox(v string) zap.Field {
	return zap.String("inbox", v)
}

// Attempt es el número de intento (1-based).
func Attempt(v int) zap.Field {
	return zap.Int("attempt", v)
}

// Reason es un motivo de rechazo o fallo legible por máquina.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// NextAttempt es el instante del próximo reintento.
func NextAttempt(v time.Time) zap.Field {
	return zap.Time("next_attempt_at", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
