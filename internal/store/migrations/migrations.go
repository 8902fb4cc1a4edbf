// Package migrations carries the schema for both supported dialects.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

func source(dialect string) (migrate.MigrationSource, error) {
	switch dialect {
	case DialectPostgres:
		return migrate.EmbedFileSystemMigrationSource{FileSystem: files, Root: "postgres"}, nil
	case DialectSQLite:
		return migrate.EmbedFileSystemMigrationSource{FileSystem: files, Root: "sqlite"}, nil
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}

// Up applies every pending migration and returns how many ran.
func Up(db *sql.DB, dialect string) (int, error) {
	src, err := source(dialect)
	if err != nil {
		return 0, err
	}
	return migrate.Exec(db, dialect, src, migrate.Up)
}

// Down rolls back every applied migration.
func Down(db *sql.DB, dialect string) (int, error) {
	src, err := source(dialect)
	if err != nil {
		return 0, err
	}
	return migrate.Exec(db, dialect, src, migrate.Down)
}
