// Package logger provides a singleton Zap logger with context-based scoping.
//
// # Design Decisions
//
//   - Singleton: una sola instancia global inicializada con Init().
//   - Context Scoping: cada request inbound o job de delivery lleva su propio
//     logger "scoped" (request_id, key_id, job_id) sin crear un nuevo core.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//   - Los componentes del core reciben un *zap.Logger explícito; el singleton
//     es solo el default cuando nadie inyecta uno.
//
// # Usage
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})
//	defer logger.Sync()
//
//	log := logger.From(ctx)
//	log.Info("delivery succeeded", logger.JobID(job.ID), logger.Inbox(job.TargetInbox))
//
// Nunca loguear material privado de claves ni bodies completos.
package logger
