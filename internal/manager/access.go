package manager

import (
	"context"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/metadata"
)

func toDbcontrolAccessObject(id string, descriptor metadata.AccessControlObject, sql string) dbcontrol.AccessControlObject {
	return dbcontrol.AccessControlObject{ID: id, Name: descriptor.Name, Type: descriptor.Type, SQL: sql}
}

// backupAccessControl exports every access-control entity the control
// plane reports and records their ids in backup's metadata. This engine
// talks to the database exclusively through dbcontrol.Control, which
// already abstracts away any local-vs-replicated-storage distinction
// between plain files and coordinator-backed entries.
func (m *Manager) backupAccessControl(ctx context.Context, backup *metadata.BackupMetadata) error {
	objects, err := m.control.AccessControlObjects(ctx)
	if err != nil {
		return err
	}

	index := make(map[string]metadata.AccessControlObject, len(objects))
	ids := make([]string, 0, len(objects))
	for _, obj := range objects {
		ids = append(ids, obj.ID)
		index[obj.ID] = metadata.AccessControlObject{ID: obj.ID, Name: obj.Name, Type: obj.Type}
		m.layout.UploadAccessControlObject(backup.Name, obj.ID, []byte(obj.SQL))
	}

	backup.AccessControl = &metadata.AccessControlMetadata{
		Objects:       ids,
		Index:         index,
		StorageFormat: "sql",
	}
	return nil
}

// restoreAccessControl recreates every access-control entity named in
// backup's metadata.
func (m *Manager) restoreAccessControl(ctx context.Context, backupPath string, backup *metadata.BackupMetadata) error {
	if backup.AccessControl == nil {
		return nil
	}
	for _, id := range backup.AccessControl.Objects {
		sql, err := m.layout.GetAccessControlObject(ctx, backupPath, id)
		if err != nil {
			return err
		}
		descriptor := backup.AccessControl.Index[id]
		if err := m.control.RestoreAccessControlObject(ctx, toDbcontrolAccessObject(id, descriptor, string(sql))); err != nil {
			return err
		}
	}
	return nil
}
