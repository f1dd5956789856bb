// Package migrations embeds the forward-only SQL migrations for the
// bundler's Postgres schema.
package migrations

import "embed"

// FS contains the migration files.
//
//go:embed *.sql
var FS embed.FS
