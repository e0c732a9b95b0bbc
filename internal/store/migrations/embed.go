// Package migrations embeds the SQL schema migrations for the local message store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
