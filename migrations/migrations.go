// Package migrations embeds the SQL schema so the sqlite store and the
// migrate command share one source of truth.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
