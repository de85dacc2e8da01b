// Package dbmigrations exposes embedded SQL migrations for ordercore binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into ordercore binaries.
//
//go:embed *.sql
var Files embed.FS
