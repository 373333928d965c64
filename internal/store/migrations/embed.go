// Package migrations embeds the goose SQL migrations for the Postgres
// repository engine.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
