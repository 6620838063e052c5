package database

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. Statements are idempotent so running
// it at every startup is safe.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	log.Println("Database schema applied")
	return nil
}
