package migrations

import "embed"

// Postgres - миграции схемы для PostgreSQL.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite - миграции схемы для SQLite.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
