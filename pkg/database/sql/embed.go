// Package sql embeds the database schema so binaries can bootstrap their
// own tables without external migration tooling.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
