// Package migrations embeds the SQL schema migrations of the service
// database.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS
