package manager

import (
	"context"

	"github.com/partvault/partvault/internal/metadata"
)

// backupDatabases uploads the CREATE DATABASE statement of every
// database in databases (skipping ones with embedded metadata) and
// records each in backup's metadata, persisting backup after each one so
// a failure partway through still leaves the databases seen so far
// durable.
func (m *Manager) backupDatabases(ctx context.Context, backup *metadata.BackupMetadata, databases []string) error {
	for _, db := range databases {
		if !hasEmbeddedMetadata(db) {
			schema, err := m.control.GetDatabaseSchema(ctx, db)
			if err != nil {
				return err
			}
			m.layout.UploadDatabaseCreateStatement(backup.Name, db, []byte(schema))
		}
		if backup.Databases[db] == nil {
			backup.AddDatabase(db, metadata.NewDatabaseMetadata("", ""))
		}
		if err := m.layout.UploadBackupMetadata(ctx, backup); err != nil {
			return err
		}
	}
	return nil
}

// restoreDatabases issues a CREATE DATABASE statement for every database
// in databases that does not already exist, skipping ones with embedded
// metadata.
func (m *Manager) restoreDatabases(ctx context.Context, backupPath string, databases []string) error {
	present, err := m.control.Databases(ctx, nil)
	if err != nil {
		return err
	}
	presentSet := make(map[string]bool, len(present))
	for _, db := range present {
		presentSet[db] = true
	}

	for _, db := range databases {
		if hasEmbeddedMetadata(db) || presentSet[db] {
			continue
		}
		schema, err := m.layout.GetDatabaseCreateStatement(ctx, backupPath, db)
		if err != nil {
			return err
		}
		rewritten := rewriteDatabaseSchema(string(schema), m.cfg.ForceNonReplicatedEngine, m.cfg.OverrideReplicaName)
		if err := m.control.CreateTable(ctx, rewritten); err != nil {
			return err
		}
	}
	return nil
}
