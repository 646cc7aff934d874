// Package migrations embeds the schema scripts for the contract registry.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
