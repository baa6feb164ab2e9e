package migrations

import "embed"

// FS contains embedded SQLite migrations for town storage.
//
//go:embed *.sql
var FS embed.FS
