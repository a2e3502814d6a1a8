package store

import (
	"database/sql"
	"fmt"

	"claudemem/internal/logging"
)

// Migration defines a single additive schema migration: add column Def to
// Table if Table exists and Column does not yet (pattern adapted from the
// teacher's pendingMigrations/tableExists scheme).
type Migration struct {
	Table  string
	Column string
	Def    string
}

// runPendingMigrations applies any ADD COLUMN migrations in list, skipping
// quietly when the table or column is absent/present respectively.
func runPendingMigrations(db *sql.DB, list []Migration) error {
	timer := logging.StartTimer(logging.CategoryStore, "runPendingMigrations")
	defer timer.Stop()

	for _, m := range list {
		if !tableExists(db, m.Table) {
			logging.Get(logging.CategoryStore).Debug("table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		logging.Get(logging.CategoryStore).Info("migration applied: %s.%s", m.Table, m.Column)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name=?`, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// getSchemaVersion reads oc_meta.schema_version, defaulting to 0 if absent.
func getSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "oc_meta") {
		return 0
	}
	var v string
	if err := db.QueryRow(`SELECT value FROM oc_meta WHERE key='schema_version'`).Scan(&v); err != nil {
		return 0
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n
}

// setSchemaVersion writes oc_meta.schema_version, never decreasing it
// (spec §8: "schema-migration safety: the stored schema_version is
// non-decreasing").
func setSchemaVersion(db *sql.DB, version int) error {
	current := getSchemaVersion(db)
	if version <= current {
		return nil
	}
	_, err := db.Exec(`INSERT INTO oc_meta(key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprintf("%d", version))
	return err
}

// migrateProjectSchema runs the versioned, transaction-wrapped migration
// sequence for a per-project store. Idempotent: running it twice against an
// already-current database is a no-op (spec §8).
func migrateProjectSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{projectObservationsTable, ocMetaTable} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate project schema (base): %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if getSchemaVersion(db) < ProjectSchemaV1 {
		if err := setSchemaVersion(db, ProjectSchemaV1); err != nil {
			return err
		}
	}

	if err := runPendingMigrations(db, projectPendingMigrations); err != nil {
		return err
	}

	if getSchemaVersion(db) < ProjectSchemaV2 {
		if _, err := db.Exec(projectFTSTable); err != nil {
			return fmt.Errorf("migrate project schema (fts): %w", err)
		}
		if err := backfillFTS(db); err != nil {
			logging.Get(logging.CategoryStore).Warn("fts backfill incomplete: %v", err)
		}
		if err := setSchemaVersion(db, ProjectSchemaV2); err != nil {
			return err
		}
	}
	return nil
}

// backfillFTS populates observations_fts for rows written before the FTS
// virtual table existed.
func backfillFTS(db *sql.DB) error {
	_, err := db.Exec(`INSERT INTO observations_fts(rowid, title, subtitle, narrative, text)
		SELECT id, title, subtitle, narrative, text FROM observations
		WHERE id NOT IN (SELECT rowid FROM observations_fts)`)
	return err
}

func migrateGlobalSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{globalProjectsTable, globalObservationsTable, globalRelationshipsTable, ocMetaTable} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate global schema (base): %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if getSchemaVersion(db) < GlobalSchemaV1 {
		if err := setSchemaVersion(db, GlobalSchemaV1); err != nil {
			return err
		}
	}

	if err := runPendingMigrations(db, globalPendingMigrations); err != nil {
		return err
	}

	if getSchemaVersion(db) < GlobalSchemaV2 {
		if _, err := db.Exec(globalFTSTable); err != nil {
			return fmt.Errorf("migrate global schema (fts): %w", err)
		}
		if _, err := db.Exec(`INSERT INTO observations_fts(rowid, title, narrative)
			SELECT id, title, narrative FROM observations WHERE id NOT IN (SELECT rowid FROM observations_fts)`); err != nil {
			logging.Get(logging.CategoryStore).Warn("global fts backfill incomplete: %v", err)
		}
		if err := setSchemaVersion(db, GlobalSchemaV2); err != nil {
			return err
		}
	}
	return nil
}

// projectPendingMigrations and globalPendingMigrations are presently empty
// but kept as the extension point future additive columns attach to,
// mirroring the teacher's pendingMigrations slice.
var (
	projectPendingMigrations []Migration
	globalPendingMigrations  []Migration
)
