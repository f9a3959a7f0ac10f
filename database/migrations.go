package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

const migrationsTableName = "schema_migrations"

// migrate applies all pending migrations in order.
func (db *StockDB) migrate() error {
	migrations := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"001_vehicles", migrateVehicles},
		{"002_elaborazioni", migrateElaborazioni},
		{"003_source_statuses", migrateSourceStatuses},
		{"004_reference_tables", migrateReferenceTables},
		{"005_snapshots", migrateSnapshots},
	}

	for _, m := range migrations {
		if err := ensureMigrationApplied(db.conn, m.name, m.fn); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}
	return nil
}

// ensureMigrationTable creates the schema_migrations table when missing.
func ensureMigrationTable(db *sql.DB) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`, migrationsTableName)

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}
	return nil
}

// isMigrationApplied reports whether a migration already ran.
func isMigrationApplied(db *sql.DB, name string) (bool, error) {
	if err := ensureMigrationTable(db); err != nil {
		return false, err
	}

	var appliedAt sql.NullTime
	query := fmt.Sprintf(`SELECT applied_at FROM %s WHERE name = ?`, migrationsTableName)
	err := db.QueryRow(query, name).Scan(&appliedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check migration %s: %w", name, err)
	}

	return appliedAt.Valid, nil
}

// markMigrationApplied records a migration as applied.
func markMigrationApplied(db *sql.DB, name string) error {
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s(name, applied_at) VALUES(?, ?)`, migrationsTableName)
	if _, err := db.Exec(query, name, time.Now()); err != nil {
		return fmt.Errorf("failed to mark migration %s as applied: %w", name, err)
	}
	return nil
}

// ensureMigrationApplied runs a migration exactly once.
func ensureMigrationApplied(db *sql.DB, name string, migration func(*sql.DB) error) error {
	applied, err := isMigrationApplied(db, name)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	if err := migration(db); err != nil {
		return err
	}
	if err := markMigrationApplied(db, name); err != nil {
		return err
	}

	log.Printf("[Migrations] %s applied", name)
	return nil
}

func migrateVehicles(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vehicles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			supplier TEXT NOT NULL,
			supplier_line_id TEXT NOT NULL,
			run_id INTEGER NOT NULL,

			raw_make TEXT NOT NULL DEFAULT '',
			raw_model TEXT NOT NULL DEFAULT '',
			raw_version TEXT NOT NULL DEFAULT '',
			raw_fuel TEXT NOT NULL DEFAULT '',
			raw_transmission TEXT NOT NULL DEFAULT '',
			raw_body TEXT NOT NULL DEFAULT '',
			doors INTEGER NOT NULL DEFAULT 0,
			seats INTEGER NOT NULL DEFAULT 0,
			power_kw REAL NOT NULL DEFAULT 0,
			displacement_cc INTEGER NOT NULL DEFAULT 0,

			price REAL NOT NULL DEFAULT 0,
			monthly_fee REAL NOT NULL DEFAULT 0,
			duration_months INTEGER NOT NULL DEFAULT 0,
			mileage_cap_km INTEGER NOT NULL DEFAULT 0,
			availability_date TEXT NOT NULL DEFAULT '',

			norm_make TEXT NOT NULL DEFAULT '',
			norm_model TEXT NOT NULL DEFAULT '',
			norm_version TEXT NOT NULL DEFAULT '',
			norm_fuel TEXT NOT NULL DEFAULT '',
			norm_transmission TEXT NOT NULL DEFAULT '',
			norm_body TEXT NOT NULL DEFAULT '',

			catalog_id TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			match_method TEXT NOT NULL DEFAULT '',
			match_reason TEXT NOT NULL DEFAULT '',

			segment TEXT NOT NULL DEFAULT '',
			list_price REAL NOT NULL DEFAULT 0,
			price_delta REAL NOT NULL DEFAULT 0,
			fee_per_1000km REAL NOT NULL DEFAULT 0,
			label TEXT NOT NULL DEFAULT '',

			status TEXT NOT NULL DEFAULT 'imported',

			importer_id TEXT NOT NULL DEFAULT '',
			source_hash TEXT NOT NULL DEFAULT '',
			row_index INTEGER NOT NULL DEFAULT 0,
			provenance TEXT NOT NULL DEFAULT '{}',
			observations TEXT NOT NULL DEFAULT '[]',
			error_message TEXT NOT NULL DEFAULT '',

			UNIQUE(supplier, supplier_line_id, run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_vehicles_run ON vehicles(run_id);
		CREATE INDEX IF NOT EXISTS idx_vehicles_run_status ON vehicles(run_id, status);
	`)
	return err
}

func migrateElaborazioni(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS elaborazioni (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			status TEXT NOT NULL DEFAULT 'pending',
			glossary_snapshot_id TEXT NOT NULL DEFAULT '',
			catalog_snapshot_id TEXT NOT NULL DEFAULT '',
			pattern_snapshot_id TEXT NOT NULL DEFAULT '',
			counters TEXT NOT NULL DEFAULT '{}',
			sources TEXT NOT NULL DEFAULT '[]',
			error_log TEXT NOT NULL DEFAULT '[]',
			options TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_elaborazioni_status ON elaborazioni(status);
	`)
	return err
}

func migrateSourceStatuses(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS source_statuses (
			run_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			rows_read INTEGER NOT NULL DEFAULT 0,
			rows_failed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, source)
		)
	`)
	return err
}

func migrateReferenceTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog_vehicles (
			catalog_id TEXT PRIMARY KEY,
			make TEXT NOT NULL,
			model TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			fuel TEXT NOT NULL DEFAULT '',
			transmission TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			doors INTEGER NOT NULL DEFAULT 0,
			power_kw REAL NOT NULL DEFAULT 0,
			displacement_cc INTEGER NOT NULL DEFAULT 0,
			list_price REAL NOT NULL DEFAULT 0,
			segment TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_catalog_make_model ON catalog_vehicles(make, model);

		CREATE TABLE IF NOT EXISTS patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			priority INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			source TEXT NOT NULL DEFAULT '',
			catalog_id TEXT NOT NULL,
			make TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			fuel TEXT NOT NULL DEFAULT '',
			transmission TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_order ON patterns(priority DESC, id ASC);

		CREATE TABLE IF NOT EXISTS glossary_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			field TEXT NOT NULL,
			source TEXT NOT NULL,
			canonical TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(field, source)
		)
	`)
	return err
}

func migrateSnapshots(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			taken_at TIMESTAMP NOT NULL,
			as_of TIMESTAMP,
			row_count INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}
