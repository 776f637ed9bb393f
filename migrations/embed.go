// Package migrations carries the Postgres schema as embedded SQL so the
// migration runner needs no filesystem access at deploy time.
package migrations

import "embed"

// FS holds the numbered .sql files in this directory; the storage
// migration runner applies unapplied ones in lexical order.
//
//go:embed *.sql
var FS embed.FS
