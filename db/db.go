// Package db embeds the SQL migrations applied at startup.
package db

import "embed"

// Migrations holds the schema migration files.
//
//go:embed migrations/*.sql
var Migrations embed.FS
