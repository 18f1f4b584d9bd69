package assets

import (
	"embed"
	"io/fs"
)

const (
	SqliteMigrationDir   = "migrations/sqlite"
	PostgresMigrationDir = "migrations/postgres"
	MySQLMigrationDir    = "migrations/mysql"
)

//go:embed migrations/*
var EmbedMigrations embed.FS

// Migrations returns the migration files of one engine, rooted at its directory.
func Migrations(dir string) fs.FS {
	sub, err := fs.Sub(EmbedMigrations, dir)
	if err != nil {
		panic("invalid migrations directory " + dir + ": " + err.Error())
	}
	return sub
}
