// Package migrations embeds the SQL schema for goose to apply against
// ENGINE_STORE_DSN at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
