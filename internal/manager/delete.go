package manager

import (
	"context"
	"time"

	"github.com/partvault/partvault/internal/dedup"
	"github.com/partvault/partvault/internal/logging"
	"github.com/partvault/partvault/internal/metadata"
)

// Delete removes one named backup whatever its state; with purgePartial
// it also deletes every other backup that is not in the CREATED state.
func (m *Manager) Delete(ctx context.Context, name string, purgePartial bool) (err error) {
	opStart := time.Now()
	defer func() {
		outcome := "deleted"
		if err != nil {
			outcome = "failed"
		}
		observeOperation("delete", opStart, outcome)
	}()

	all, err := m.allBackups(ctx)
	if err != nil {
		return err
	}

	deleting, retained := partitionForDelete(all, name, purgePartial)
	if len(deleting) == 0 {
		return nil
	}

	refs := dedup.CollectDedupReferencesForBatchDeletion(retained, deleting)
	for _, backup := range deleting {
		if err := m.deleteOneBackup(ctx, backup, refs[backup.Name]); err != nil {
			return err
		}
	}
	return nil
}

// partitionForDelete splits all into the backups to delete (the named
// one, plus every non-CREATED backup if purgePartial) and the rest.
func partitionForDelete(all []*metadata.BackupMetadata, name string, purgePartial bool) (deleting, retained []*metadata.BackupMetadata) {
	for _, b := range all {
		if b.Name == name || (purgePartial && b.State != metadata.StateCreated) {
			deleting = append(deleting, b)
		} else {
			retained = append(retained, b)
		}
	}
	return deleting, retained
}

// deleteOneBackup deletes backup, either wholly (if nothing retained
// links to any of its parts) or only its unreferenced, owned parts
// (leaving it PARTIALLY_DELETED).
func (m *Manager) deleteOneBackup(ctx context.Context, backup *metadata.BackupMetadata, refs dedup.DedupReferences) error {
	log := logging.ForOperation("delete", backup.Name)

	if !backup.SetState(metadata.StateDeleting, time.Now().UTC()) {
		// Already DELETING or otherwise not in a state that legally
		// transitions there (e.g. mid re-entrant purge); nothing to do.
		return nil
	}
	if err := m.layout.UploadBackupMetadata(ctx, backup); err != nil {
		return err
	}

	if len(refs) == 0 {
		if err := m.layout.DeleteBackup(ctx, backup.Name); err != nil {
			backup.SetState(metadata.StateFailed, time.Now().UTC())
			_ = m.layout.UploadBackupMetadata(ctx, backup)
			return err
		}
		if err := m.control.UnfreezeAll(ctx, backup.Name); err != nil {
			log.Warn("failed to release frozen snapshot after delete", "error", err)
		}
		return nil
	}

	if err := m.deleteUnreferencedParts(ctx, backup, refs); err != nil {
		backup.SetState(metadata.StateFailed, time.Now().UTC())
		_ = m.layout.UploadBackupMetadata(ctx, backup)
		return err
	}

	backup.SetState(metadata.StatePartiallyDeleted, time.Now().UTC())
	return m.layout.UploadBackupMetadata(ctx, backup)
}

// deleteUnreferencedParts removes every part backup owns that no
// retained backup's refs still points at, from both storage and
// backup's in-memory metadata.
func (m *Manager) deleteUnreferencedParts(ctx context.Context, backup *metadata.BackupMetadata, refs dedup.DedupReferences) error {
	var toDelete []metadata.PartMetadata
	for dbName, db := range backup.Databases {
		for tableName, table := range db.Tables {
			for partName, part := range table.Parts {
				if !part.Owned() {
					continue
				}
				if refs[dbName][tableName][partName] {
					continue
				}
				toDelete = append(toDelete, part)
				delete(table.Parts, partName)
			}
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	return m.layout.DeleteDataParts(ctx, backup.Path, toDelete)
}
