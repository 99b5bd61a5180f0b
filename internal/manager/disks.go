package manager

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/errs"
	"github.com/partvault/partvault/internal/metadata"
	"github.com/partvault/partvault/internal/storage"
)

// externalDiskClone is a temporary, read-only view of one cloud-storage
// disk's backed-up data, sourced from a (possibly different) bucket than
// the one this process writes new backups to. This engine already
// abstracts every database-side effect behind dbcontrol.Control, so a
// clone here is just a second storage.Engine pointed at the source
// prefix, copied file-for-file through Control.GetDetachedPartPath.
type externalDiskClone struct {
	source       storage.Engine
	sourcePrefix string
	disk         dbcontrol.Disk
}

// cloneExternalDisk opens a clone of disk's backed-up data under
// backup's prefix in source, sourced from sourcePath inside the given
// external engine.
func (m *Manager) cloneExternalDisk(ctx context.Context, source storage.Engine, sourcePath string, backup *metadata.BackupMetadata, disk dbcontrol.Disk) (*externalDiskClone, error) {
	prefix := path.Join(sourcePath, "shadow", backup.Name)
	ok, err := source.Exists(ctx, prefix)
	if err != nil {
		return nil, errs.NewStorageError("clone_external_disk", prefix, err)
	}
	if !ok {
		// Nothing was ever frozen on this disk for this backup; still a
		// valid (empty) clone, copyPart will simply find nothing.
	}
	return &externalDiskClone{source: source, sourcePrefix: prefix, disk: disk}, nil
}

// copyPart copies every file of part from the clone into
// localDetachedPath, the same target AttachPart expects a normally
// downloaded part to have been placed at.
func (c *externalDiskClone) copyPart(ctx context.Context, localDetachedPath string, part metadata.PartMetadata) error {
	if err := os.MkdirAll(localDetachedPath, 0o755); err != nil {
		return errs.NewStorageError("copy_external_disk_part", localDetachedPath, err)
	}
	sourceDir := path.Join(c.sourcePrefix, part.Database, part.Table, part.Name)
	for _, filename := range part.Files {
		data, err := c.source.Get(ctx, path.Join(sourceDir, filename))
		if err != nil {
			return errs.NewStorageError("copy_external_disk_part", path.Join(sourceDir, filename), err)
		}
		if err := os.WriteFile(filepath.Join(localDetachedPath, filename), data, 0o644); err != nil {
			return errs.NewStorageError("copy_external_disk_part", filepath.Join(localDetachedPath, filename), err)
		}
	}
	return nil
}

// cleanupExternalDiskClone releases a clone. The clone holds no
// server-side state, so this is a no-op kept only to bracket the
// clone's lifetime symmetrically with cloneExternalDisk.
func (m *Manager) cleanupExternalDiskClone(_ *externalDiskClone) {}

// isCloudStorageDisk reports whether disk is backed by an object store
// rather than local block storage.
func isCloudStorageDisk(disk dbcontrol.Disk) bool {
	return disk.Type == "cloud_storage" || disk.Type == "s3" || disk.Type == "object_storage"
}
