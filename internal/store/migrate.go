package store

import (
	"database/sql"

	"github.com/pressly/goose/v3"

	"presence/internal/store/migrations"
)

// Migrate applies all embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
