// Package migrations содержит SQL-схему поддержки и её применение при старте.
package migrations

import "embed"

// Files: файлы NNN_name.sql; Apply выполняет их по возрастанию имени.
//
//go:embed *.sql
var Files embed.FS
