// Package restorectx implements a durable restore context: a small local
// record of which parts have already been restored, so a restore
// interrupted by a crash can resume without re-attaching parts it
// already finished. Backed by modernc.org/sqlite so the state survives
// partial writes and concurrent access safely.
package restorectx

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/partvault/partvault/internal/metadata"
)

// Context tracks, for one restore run, which (database, table, part)
// triples have already been attached.
type Context struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Context, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening restore context %q: %w", path, err)
	}

	c := &Context{db: db}
	if err := c.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing restore context %q: %w", path, err)
	}
	return c, nil
}

func (c *Context) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS restored_tables (
			backup_name TEXT NOT NULL,
			database    TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			PRIMARY KEY (backup_name, database, table_name)
		);

		CREATE TABLE IF NOT EXISTS restored_parts (
			backup_name TEXT NOT NULL,
			database    TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			part_name   TEXT NOT NULL,
			PRIMARY KEY (backup_name, database, table_name, part_name)
		);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (c *Context) Close() error {
	return c.db.Close()
}

// AddTable records that backupName.database.table's restore has begun,
// matching RestoreContext.add_table.
func (c *Context) AddTable(ctx context.Context, backupName string, table *metadata.TableMetadata) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO restored_tables (backup_name, database, table_name) VALUES (?, ?, ?)`,
		backupName, table.Database, table.Name,
	)
	if err != nil {
		return fmt.Errorf("adding table %s.%s: %w", table.Database, table.Name, err)
	}
	return nil
}

// AddPart marks part as restored, matching RestoreContext.add_part.
func (c *Context) AddPart(ctx context.Context, backupName string, part metadata.PartMetadata) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO restored_parts (backup_name, database, table_name, part_name) VALUES (?, ?, ?, ?)`,
		backupName, part.Database, part.Table, part.Name,
	)
	if err != nil {
		return fmt.Errorf("adding part %s.%s.%s: %w", part.Database, part.Table, part.Name, err)
	}
	return nil
}

// PartRestored reports whether part was already restored under
// backupName, matching RestoreContext.part_restored.
func (c *Context) PartRestored(ctx context.Context, backupName string, part metadata.PartMetadata) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM restored_parts WHERE backup_name = ? AND database = ? AND table_name = ? AND part_name = ?`,
		backupName, part.Database, part.Table, part.Name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking part %s.%s.%s: %w", part.Database, part.Table, part.Name, err)
	}
	return count > 0, nil
}

// Reset discards every recorded table and part for backupName, used to
// start a fresh restore attempt rather than resuming a stale one.
func (c *Context) Reset(ctx context.Context, backupName string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM restored_parts WHERE backup_name = ?`, backupName); err != nil {
		return fmt.Errorf("clearing restored parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM restored_tables WHERE backup_name = ?`, backupName); err != nil {
		return fmt.Errorf("clearing restored tables: %w", err)
	}
	return tx.Commit()
}
