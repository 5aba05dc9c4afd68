// Package database opens the SQLite file behind the sqlite persistence
// backend and applies its embedded schema migrations.
//
// Connections are tuned for SQLite's single-writer model (one open
// connection, optional WAL). Migrations are plain *.up.sql files passed in
// as an fs.FS, applied once each and recorded in schema_migrations.
package database
