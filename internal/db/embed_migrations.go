package db

import "embed"

// MigrationFS embebe las migraciones SQL del log durable de sesiones.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
