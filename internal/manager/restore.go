package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/errs"
	"github.com/partvault/partvault/internal/lock"
	"github.com/partvault/partvault/internal/logging"
	"github.com/partvault/partvault/internal/metadata"
	"github.com/partvault/partvault/internal/metrics"
	"github.com/partvault/partvault/internal/storage"
)

// RestoreRequest is one invocation of Restore: which backup, which
// sources and tables to restore, and a set of override options.
type RestoreRequest struct {
	BackupName string
	Databases  []string // empty means every database named in the backup
	Filter     RestoreFilter
	Sources    Sources
	SchemaOnly bool

	ForceNonReplicatedEngine bool
	OverrideReplicaName      string
	KeepGoing                bool
	RestoreFailOnAttachError bool

	// CloudStorageSource, if non-nil, is the engine and path used to
	// clone cloud-storage disk data for tables backed by one, by copying
	// it from a temporary clone of the source external disk.
	CloudStorageSource     storage.Engine
	CloudStorageSourcePath string
	SkipCloudStorage       bool

	LocalLock       lock.Locker
	DistributedLock lock.Locker
}

// tableRestorePlan is one table queued for schema restoration, already
// carrying its rewritten create statement and classification.
type tableRestorePlan struct {
	database, table string
	engine          string
	schema          string
	skipCreate      bool // already present with a matching schema
}

// Restore runs one full restore invocation.
func (m *Manager) Restore(ctx context.Context, req RestoreRequest) (err error) {
	log := logging.ForOperation("restore", req.BackupName)
	opStart := time.Now()
	defer func() {
		outcome := "restored"
		if err != nil {
			outcome = "failed"
		}
		observeOperation("restore", opStart, outcome)
	}()

	backup, err := m.layout.ReloadBackup(ctx, req.BackupName)
	if err != nil {
		return err
	}

	if !req.SchemaOnly && len(backup.CloudStorage) > 0 && req.CloudStorageSource == nil {
		return &errs.MetadataError{Backup: req.BackupName, Cause: fmt.Errorf("backup contains cloud storage data, a cloud storage source must be configured")}
	}

	databases, err := m.resolveRestoreDatabases(backup, req.Databases)
	if err != nil {
		return err
	}

	chain := lockChain(req.LocalLock, req.DistributedLock)
	ok, lockErr := chain.Acquire(ctx)
	if lockErr != nil {
		return lockErr
	}
	if !ok {
		return &errs.LockError{Lock: "restore", Cause: fmt.Errorf("another backup/restore is already in progress")}
	}
	defer chain.Release(ctx)

	if req.Sources.UDF {
		if err := m.restoreUDFs(ctx, backup.Path, backup); err != nil {
			return err
		}
	}
	if req.Sources.Access {
		if err := m.restoreAccessControl(ctx, backup.Path, backup); err != nil {
			return err
		}
	}
	if err := m.restoreDatabases(ctx, backup.Path, databases); err != nil {
		return err
	}

	failed, err := m.restoreTablesAndData(ctx, backup, databases, req)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		log.Warn("some tables failed to restore", "count", len(failed))
	}

	if req.RestoreFailOnAttachError && m.restoreCtx != nil {
		// Nothing is checked here, so this option has no effect:
		// restoreTablesAndData does not record attach failures. A part
		// that fails to attach aborts the restore unless req.KeepGoing
		// is set, in which case the failure is only logged.
	}
	return nil
}

func (m *Manager) resolveRestoreDatabases(backup *metadata.BackupMetadata, requested []string) ([]string, error) {
	if len(requested) > 0 {
		for _, db := range requested {
			if _, ok := backup.Databases[db]; !ok {
				return nil, &errs.MetadataError{Backup: backup.Name, Cause: fmt.Errorf("required database %q not found in backup metadata", db)}
			}
		}
		return requested, nil
	}
	var all []string
	for db := range backup.Databases {
		all = append(all, db)
	}
	sort.Strings(all)
	return all, nil
}

// restoreTablesAndData restores every table's schema (in dependency
// order) and, unless req.SchemaOnly is set or req.Sources.Data is off,
// its data. Returns the tables whose
// schema could not be restored even with retries (only non-empty when
// req.KeepGoing).
func (m *Manager) restoreTablesAndData(ctx context.Context, backup *metadata.BackupMetadata, databases []string, req RestoreRequest) ([]tableRestorePlan, error) {
	plans, err := m.preprocessTablesToRestore(ctx, backup, databases, req)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, nil
	}

	ordered := orderTablesForRestore(plans)
	failed, err := m.restoreTableObjects(ctx, backup.Path, ordered, req.KeepGoing)
	if err != nil {
		return nil, err
	}

	if req.SchemaOnly || !req.Sources.Data {
		return failed, nil
	}

	failedSet := make(map[string]bool, len(failed))
	for _, t := range failed {
		failedSet[t.database+"."+t.table] = true
	}

	disks, err := m.control.Disks(ctx)
	if err != nil {
		return failed, err
	}

	for _, plan := range ordered {
		if failedSet[plan.database+"."+plan.table] || !isMergeTree(plan.engine) {
			continue
		}
		table := backup.Table(plan.database, plan.table)
		if table == nil {
			continue
		}
		if err := m.restoreTableData(ctx, backup, plan, table, disks, req); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// preprocessTablesToRestore builds one tableRestorePlan per table the
// filter accepts, rewriting its schema and deciding whether an
// already-present table with a matching schema can be left alone.
func (m *Manager) preprocessTablesToRestore(ctx context.Context, backup *metadata.BackupMetadata, databases []string, req RestoreRequest) ([]tableRestorePlan, error) {
	var plans []tableRestorePlan
	for _, dbName := range databases {
		if !req.Filter.MayContainDatabase(dbName) {
			continue
		}
		db := backup.Databases[dbName]
		if db == nil {
			continue
		}
		var tableNames []string
		for name := range db.Tables {
			tableNames = append(tableNames, name)
		}
		sort.Strings(tableNames)

		for _, tableName := range tableNames {
			if !req.Filter.Accept(dbName, tableName) {
				continue
			}
			table := db.Tables[tableName]
			schema, err := m.layout.GetTableCreateStatement(ctx, backup.Path, dbName, tableName)
			if err != nil {
				return nil, err
			}
			rewritten := rewriteTableSchema(string(schema), req.ForceNonReplicatedEngine, req.OverrideReplicaName)

			plan := tableRestorePlan{database: dbName, table: tableName, engine: table.Engine, schema: rewritten}

			exists, err := m.control.TableExists(ctx, dbName, tableName)
			if err != nil {
				return nil, err
			}
			if exists {
				current, err := m.control.GetTableSchema(ctx, dbName, tableName)
				if err != nil {
					return nil, err
				}
				if current == rewritten {
					plan.skipCreate = true
				} else {
					logging.ForOperation("restore", backup.Name).Warn("existing table schema differs, dropping before restore", "table", dbName+"."+tableName)
					if err := m.control.DropTableIfExists(ctx, dbName, tableName); err != nil {
						return nil, err
					}
					if m.cfg.CleanCoordinatorMetadata && m.coordinator != nil && isReplicated(table.Engine) {
						if err := m.coordinator.CleanupReplicaMetadata(ctx, dbName, tableName); err != nil {
							return nil, err
						}
					}
				}
			}
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

// orderTablesForRestore returns plans reordered so plain MergeTree
// tables are created first, then other engines, then Distributed
// tables, then views -- Distributed and views can reference tables that
// must already exist.
func orderTablesForRestore(plans []tableRestorePlan) []tableRestorePlan {
	var mergeTree, other, distributed, views []tableRestorePlan
	for _, p := range plans {
		switch {
		case isView(p.engine):
			views = append(views, p)
		case isDistributed(p.engine):
			distributed = append(distributed, p)
		case isMergeTree(p.engine):
			mergeTree = append(mergeTree, p)
		default:
			other = append(other, p)
		}
	}
	ordered := make([]tableRestorePlan, 0, len(plans))
	ordered = append(ordered, mergeTree...)
	ordered = append(ordered, other...)
	ordered = append(ordered, distributed...)
	ordered = append(ordered, views...)
	return ordered
}

// restoreTableObjects creates every table in order, retrying tables that
// fail by requeueing them at the back, and aborting if a full pass over
// the queue makes no progress at all.
func (m *Manager) restoreTableObjects(ctx context.Context, backupPath string, plans []tableRestorePlan, keepGoing bool) ([]tableRestorePlan, error) {
	queue := make([]tableRestorePlan, len(plans))
	copy(queue, plans)

	consecutiveFailures := 0
	var lastErr error
	for len(queue) > 0 {
		plan := queue[0]
		queue = queue[1:]

		if plan.skipCreate {
			consecutiveFailures = 0
			continue
		}

		if err := m.restoreTableObject(ctx, plan); err != nil {
			lastErr = err
			queue = append(queue, plan)
			consecutiveFailures++
			if consecutiveFailures > len(queue) {
				if keepGoing {
					return queue, nil
				}
				return nil, fmt.Errorf("restoring tables: no progress after a full pass: %w", lastErr)
			}
			continue
		}
		consecutiveFailures = 0
	}
	return nil, nil
}

// restoreTableObject tries to ATTACH plan's table (reusing data already
// placed on disk in a prior attempt), falling back to a plain CREATE,
// and drops the table if both fail.
func (m *Manager) restoreTableObject(ctx context.Context, plan tableRestorePlan) error {
	attachErr := m.control.CreateTable(ctx, toAttachQuery(plan.schema))
	if attachErr == nil {
		if isReplicated(plan.engine) && !isMaterializedView(plan.engine) {
			_ = m.control.RestoreReplica(ctx, plan.database, plan.table)
		}
		return nil
	}

	if createErr := m.control.CreateTable(ctx, plan.schema); createErr == nil {
		return nil
	}

	_ = m.control.DropTableIfExists(ctx, plan.database, plan.table)
	return &errs.DatabaseControlError{Op: "restore_table", Table: plan.database + "." + plan.table, Cause: attachErr}
}

// restoreTableData restores every part of one table not already marked
// restored in the durable restore context, attaching it and persisting
// the context after the whole table completes.
func (m *Manager) restoreTableData(ctx context.Context, backup *metadata.BackupMetadata, plan tableRestorePlan, table *metadata.TableMetadata, disks map[string]dbcontrol.Disk, req RestoreRequest) error {
	if m.restoreCtx != nil {
		if err := m.restoreCtx.AddTable(ctx, backup.Name, table); err != nil {
			return err
		}
	}

	var partNames []string
	for name := range table.Parts {
		partNames = append(partNames, name)
	}
	sort.Strings(partNames)

	var attached []string
	for _, name := range partNames {
		part := table.Parts[name]

		if m.restoreCtx != nil {
			done, err := m.restoreCtx.PartRestored(ctx, backup.Name, part)
			if err != nil {
				return err
			}
			if done {
				continue
			}
		}

		if err := m.restorePartFiles(ctx, backup, plan, part, disks, req); err != nil {
			if req.KeepGoing {
				logging.ForOperation("restore", backup.Name).Warn("part failed to restore, continuing", "part", part.Name, "error", err)
				continue
			}
			return err
		}
		attached = append(attached, name)
	}

	if err := m.control.ChownDetachedParts(ctx, plan.database, plan.table); err != nil {
		return err
	}
	for _, name := range attached {
		if err := m.control.AttachPart(ctx, plan.database, plan.table, name); err != nil {
			if !req.KeepGoing {
				return err
			}
			logging.ForOperation("restore", backup.Name).Warn("part failed to attach", "part", name, "error", err)
			continue
		}
		if m.restoreCtx != nil {
			if err := m.restoreCtx.AddPart(ctx, backup.Name, table.Parts[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) restorePartFiles(ctx context.Context, backup *metadata.BackupMetadata, plan tableRestorePlan, part metadata.PartMetadata, disks map[string]dbcontrol.Disk, req RestoreRequest) error {
	detachedPath, err := m.control.GetDetachedPartPath(ctx, plan.database, plan.table, part.DiskName, part.Name)
	if err != nil {
		return err
	}

	disk := disks[part.DiskName]
	if isCloudStorageDisk(disk) && !req.SkipCloudStorage {
		if req.CloudStorageSource == nil {
			return &errs.StorageError{Op: "restore_part", Key: part.Name, Cause: fmt.Errorf("part is on cloud storage disk %q but no cloud storage source was configured", disk.Name)}
		}
		clone, err := m.cloneExternalDisk(ctx, req.CloudStorageSource, req.CloudStorageSourcePath, backup, disk)
		if err != nil {
			return err
		}
		defer m.cleanupExternalDiskClone(clone)
		return clone.copyPart(ctx, detachedPath, part)
	}

	if err := m.layout.DownloadDataPart(ctx, backup.Path, part, filepath.Clean(detachedPath)); err != nil {
		return err
	}
	metrics.BytesDownloaded.Add(float64(part.Size))
	return nil
}
