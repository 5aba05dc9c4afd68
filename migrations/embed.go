// Package migrations embeds the SQLite schema for the sqlite persistence
// backend, so the binary carries its schema with it.
package migrations

import "embed"

// FS holds every *.up.sql file at its root.
//
//go:embed *.sql
var FS embed.FS
