// Package audit registra eventos de operación sensibles (claves, cancelaciones)
// en un logger "audit" separado, para poder rutearlos aparte del log normal.
package audit

import (
	"context"
	"time"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"go.uber.org/zap"
)

// Eventos.
const (
	KeyGenerated      = "key.generated"
	KeyRevoked        = "key.revoked"
	KeysArchived      = "key.archived"
	DeliveryCancelled = "delivery.cancelled"
)

// Log escribe un evento de auditoría con el logger del contexto (y por lo
// tanto su request_id, si viene de HTTP).
func Log(ctx context.Context, event string, fields ...zap.Field) {
	fs := make([]zap.Field, 0, len(fields)+2)
	fs = append(fs, zap.String("event", event), zap.Time("ts", time.Now().UTC()))
	fs = append(fs, fields...)
	logger.From(ctx).Named("audit").Info(event, fs...)
}
