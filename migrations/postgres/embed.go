// Package migrations embeds SQL migration files.
package migrations

import "embed"

// PostgresFS contiene las migraciones del KeyStore y JobStore sobre Postgres.
//
//go:embed *.sql
var PostgresFS embed.FS

// Dir es el directorio dentro de PostgresFS donde viven las migraciones.
const Dir = "."
