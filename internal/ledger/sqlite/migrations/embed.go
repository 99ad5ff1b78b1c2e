// Package migrations embeds the schema for the SQLite ledger store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
