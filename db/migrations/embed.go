// Package dbmigrations exposes embedded SQL migrations for adapter binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into adapter binaries.
//
//go:embed *.sql
var Files embed.FS
