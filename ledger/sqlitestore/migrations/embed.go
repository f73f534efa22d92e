package migrations

import "embed"

// FS contains embedded SQLite migrations for bid storage.
//
//go:embed *.sql
var FS embed.FS
