// Package migrations embeds the plugin store schema. internal/store applies the files
// in name order and records a checksum per file.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
