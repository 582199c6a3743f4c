package sqlite3

import (
	"database/sql"
	"fmt"
	"log"
)

// migration upgrades the schema from version-1 to version.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

// initialSchemaVersion is the version a new database is created at.
const initialSchemaVersion = 1

// migrations lists the upgrades past initialSchemaVersion, in order.
var migrations []migration

func currentSchemaVersion() int {
	if len(migrations) == 0 {
		return initialSchemaVersion
	}
	return migrations[len(migrations)-1].version
}

// GetSchemaVersion reads the schema version kept in PRAGMA user_version.
// A new database is version 0.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("db.QueryRow: %w", err)
	}
	return version, nil
}

// PRAGMA does not take bound parameters.
func setSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("tx.Exec: %w", err)
	}
	return nil
}

// RunMigrations brings the database to the current schema version. A new
// database gets the current schema directly. Each step commits together
// with its version number.
func RunMigrations(db *sql.DB) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	current := currentSchemaVersion()
	if version > current {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, current)
	}
	if version == current {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("db.Begin: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	if version == 0 {
		if _, err := tx.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if err := setSchemaVersion(tx, current); err != nil {
			return err
		}
		return tx.Commit()
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		log.Printf("Migrating database schema to v%d (%s)", m.version, m.name)
		if err := m.apply(tx); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.version, err)
		}
		if err := setSchemaVersion(tx, m.version); err != nil {
			return err
		}
	}
	return tx.Commit()
}
