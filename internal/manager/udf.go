package manager

import (
	"context"

	"github.com/partvault/partvault/internal/metadata"
)

// backupUDFs exports every user-defined function's SQL definition and
// records its name in backup's metadata. This engine targets a single
// supported wire protocol, not a matrix of historical server versions.
func (m *Manager) backupUDFs(ctx context.Context, backup *metadata.BackupMetadata) error {
	udfs, err := m.control.UDFDefinitions(ctx)
	if err != nil {
		return err
	}
	for name, sql := range udfs {
		backup.UserDefinedFunctions = append(backup.UserDefinedFunctions, name)
		m.layout.UploadUDF(backup.Name, name, []byte(sql))
	}
	return nil
}

// restoreUDFs recreates every user-defined function named in backup's
// metadata, replacing any existing definition that differs.
func (m *Manager) restoreUDFs(ctx context.Context, backupPath string, backup *metadata.BackupMetadata) error {
	if len(backup.UserDefinedFunctions) == 0 {
		return nil
	}
	onServer, err := m.control.UDFDefinitions(ctx)
	if err != nil {
		return err
	}
	for _, name := range backup.UserDefinedFunctions {
		sql, err := m.layout.GetUDFCreateStatement(ctx, backupPath, name)
		if err != nil {
			return err
		}
		existing, present := onServer[name]
		if present && existing == string(sql) {
			continue
		}
		if present {
			if err := m.control.DropUDFIfExists(ctx, name); err != nil {
				return err
			}
		}
		if err := m.control.RestoreUDF(ctx, name, string(sql)); err != nil {
			return err
		}
	}
	return nil
}
