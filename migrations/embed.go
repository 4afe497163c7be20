// Package migrations содержит встроенную SQL-схему движка.
package migrations

import "embed"

// Files содержит все .sql файлы из этой директории (применяются по порядку имён: 001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
