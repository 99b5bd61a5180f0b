package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/dedup"
	"github.com/partvault/partvault/internal/errs"
	"github.com/partvault/partvault/internal/lock"
	"github.com/partvault/partvault/internal/logging"
	"github.com/partvault/partvault/internal/metadata"
	"github.com/partvault/partvault/internal/metrics"
)

// BackupRequest is one invocation of Backup: which sources to include,
// an optional explicit name, a database/table scope, and override flags.
type BackupRequest struct {
	Name        string
	Databases   []string // empty means every database, minus cfg.ExcludeDatabases
	TableFilter *dbcontrol.TableFilter
	Sources     Sources
	Force       bool
	Labels      map[string]string
	SchemaOnly  bool

	LocalLock      lock.Locker
	DistributedLock lock.Locker
}

// Backup runs one full backup invocation. It returns the BackupMetadata
// it produced (or the prior one, with skipped=true, if MinInterval
// suppressed a new backup).
func (m *Manager) Backup(ctx context.Context, req BackupRequest) (backup *metadata.BackupMetadata, skipped bool, err error) {
	log := logging.ForOperation("backup", req.Name)
	opStart := time.Now()
	defer func() { observeOperation("backup", opStart, backupOutcome(skipped, err)) }()

	databases, err := m.resolveBackupDatabases(ctx, req.Databases)
	if err != nil {
		return nil, false, err
	}

	if !req.Force {
		prior, skip, err := m.checkMinInterval(ctx)
		if err != nil {
			return nil, false, err
		}
		if skip {
			log.Info("skipping backup, min_interval not elapsed", "prior_backup", prior.Name)
			return prior, true, nil
		}
	}

	version, verErr := m.control.Version(ctx)
	if verErr != nil {
		return nil, false, verErr
	}

	start := time.Now().UTC()
	backup = metadata.New(req.Name, m.layout.BackupPath(req.Name), version, version, m.hostname, start)
	backup.Labels = req.Labels
	backup.SchemaOnly = req.SchemaOnly

	if err := m.layout.UploadBackupMetadata(ctx, backup); err != nil {
		return nil, false, err
	}

	chain := lockChain(req.LocalLock, req.DistributedLock)
	ok, lockErr := chain.Acquire(ctx)
	if lockErr != nil {
		return nil, false, lockErr
	}
	if !ok {
		return nil, false, &errs.LockError{Lock: "backup", Cause: fmt.Errorf("another backup/restore is already in progress")}
	}
	defer chain.Release(ctx)

	runErr := m.runBackup(ctx, backup, databases, req)

	now := time.Now().UTC()
	if runErr != nil {
		log.Error("backup failed", "error", runErr)
		backup.SetState(metadata.StateFailed, now)
	} else {
		backup.SetState(metadata.StateCreated, now)
	}
	if uploadErr := m.layout.UploadBackupMetadata(ctx, backup); uploadErr != nil && runErr == nil {
		runErr = uploadErr
	}

	if runErr != nil && !m.cfg.KeepFrozenDataOnFailure {
		if unfreezeErr := m.control.UnfreezeAll(ctx, backup.Name); unfreezeErr != nil {
			log.Warn("failed to unfreeze after backup failure", "error", unfreezeErr)
		}
	}

	return backup, false, runErr
}

// backupOutcome labels a completed Backup call for observeOperation.
func backupOutcome(skipped bool, err error) string {
	switch {
	case err != nil:
		return "failed"
	case skipped:
		return "skipped"
	default:
		return "created"
	}
}

func (m *Manager) resolveBackupDatabases(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	return m.control.Databases(ctx, m.cfg.ExcludeDatabases)
}

// checkMinInterval reports whether a new backup should be skipped
// because the most recent CREATED backup is younger than cfg.MinInterval.
func (m *Manager) checkMinInterval(ctx context.Context) (*metadata.BackupMetadata, bool, error) {
	if m.cfg.MinInterval <= 0 {
		return nil, false, nil
	}
	last, err := m.lastCreatedBackup(ctx)
	if err != nil {
		return nil, false, err
	}
	if last == nil || last.EndTime == nil {
		return nil, false, nil
	}
	if time.Since(*last.EndTime) < m.cfg.MinInterval {
		return last, true, nil
	}
	return nil, false, nil
}

func (m *Manager) lastCreatedBackup(ctx context.Context) (*metadata.BackupMetadata, error) {
	names, err := m.allBackups(ctx)
	if err != nil {
		return nil, err
	}
	var last *metadata.BackupMetadata
	for _, b := range names {
		if b.State != metadata.StateCreated {
			continue
		}
		if last == nil || b.StartTime.After(last.StartTime) {
			last = b
		}
	}
	return last, nil
}

// allBackups loads every backup's metadata, newest first, skipping (with
// a log line) any that fail to parse rather than aborting the whole
// operation.
func (m *Manager) allBackups(ctx context.Context) ([]*metadata.BackupMetadata, error) {
	names, err := m.layout.GetBackupNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*metadata.BackupMetadata, 0, len(names))
	for _, name := range names {
		b, err := m.layout.GetBackupMetadata(ctx, name)
		if err != nil {
			logging.ForOperation("list", name).Warn("skipping unreadable backup metadata", "error", err)
			continue
		}
		if b == nil {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (m *Manager) runBackup(ctx context.Context, backup *metadata.BackupMetadata, databases []string, req BackupRequest) error {
	if req.Sources.Access {
		if err := m.backupAccessControl(ctx, backup); err != nil {
			return err
		}
	}
	if req.Sources.UDF {
		if err := m.backupUDFs(ctx, backup); err != nil {
			return err
		}
	}
	if err := m.backupDatabases(ctx, backup, databases); err != nil {
		return err
	}

	if backup.SchemaOnly || !req.Sources.Data {
		return nil
	}

	dedupInfo, err := m.collectDedupInfoForBackup(ctx, backup, databases)
	if err != nil {
		return err
	}

	for _, db := range databases {
		if err := m.backupDatabaseTables(ctx, backup, db, req.TableFilter, dedupInfo); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) collectDedupInfoForBackup(ctx context.Context, backup *metadata.BackupMetadata, databases []string) (metadata.DedupInfo, error) {
	prior, err := m.allBackups(ctx)
	if err != nil {
		return nil, err
	}
	candidates := dedup.Candidates(m.cfg.DeduplicateParts, m.cfg.DedupAgeLimit, time.Now().UTC(), prior)
	return dedup.CollectDedupInfo(ctx, m.layout, m.hostname, backup.SchemaOnly, databases, candidates, m.tableEngine(ctx), isReplicated)
}

// tableEngine returns a dedup.TableEngineFunc backed by the control
// plane, used only for the already-backed-up parts recorded in prior
// backups (dedup scans metadata, not live tables, so this is best-effort
// and only consulted when a live lookup is cheap).
func (m *Manager) tableEngine(ctx context.Context) dedup.TableEngineFunc {
	cache := make(map[string]string)
	return func(database, table string) string {
		key := database + "." + table
		if engine, ok := cache[key]; ok {
			return engine
		}
		descriptors, err := m.control.Tables(ctx, database, &dbcontrol.TableFilter{Include: []string{table}})
		if err != nil || len(descriptors) == 0 {
			cache[key] = ""
			return ""
		}
		cache[key] = descriptors[0].Engine
		return descriptors[0].Engine
	}
}

// backupDatabaseTables backs up every table of database in mtime order.
func (m *Manager) backupDatabaseTables(ctx context.Context, backup *metadata.BackupMetadata, database string, filter *dbcontrol.TableFilter, dedupInfo metadata.DedupInfo) error {
	tables, err := m.control.Tables(ctx, database, filter)
	if err != nil {
		return err
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].MetadataModified < tables[j].MetadataModified })

	lastUpload := time.Now()
	for _, t := range tables {
		mtimeBefore := t.MetadataModified
		if err := m.backupOneTable(ctx, backup, t, dedupInfo, &lastUpload, mtimeBefore); err != nil {
			var dbErr *errs.DatabaseControlError
			if errors.As(err, &dbErr) && dbErr.ConcurrentDrop {
				logging.ForOperation("backup", backup.Name).Warn("table dropped concurrently with backup, skipping", "table", t.Database+"."+t.Name)
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Manager) backupOneTable(ctx context.Context, backup *metadata.BackupMetadata, t dbcontrol.TableDescriptor, dedupInfo metadata.DedupInfo, lastUpload *time.Time, mtimeBefore int64) error {
	schema, err := m.control.GetTableSchema(ctx, t.Database, t.Name)
	if err != nil {
		return err
	}
	m.layout.UploadTableCreateStatement(backup.Name, t.Database, t.Name, []byte(schema))

	table := metadata.NewTableMetadata(t.Database, t.Name, t.Engine, t.UUID)
	db := backup.AddDatabase(t.Database, metadata.NewDatabaseMetadata("", ""))
	db.Tables[t.Name] = table

	if !isMergeTree(t.Engine) {
		return m.layout.UploadBackupMetadata(ctx, backup)
	}

	frozen, err := m.control.FreezeTable(ctx, backup.Name, t.Database, t.Name)
	if err != nil {
		return err
	}

	after, err := m.currentMtime(ctx, t)
	if err != nil {
		return err
	}
	if after != mtimeBefore {
		_ = m.control.UnfreezeAll(ctx, backup.Name)
		logging.ForOperation("backup", backup.Name).Warn("table schema changed during backup, skipping table", "table", t.Database+"."+t.Name)
		return m.layout.UploadBackupMetadata(ctx, backup)
	}

	tableDedup := dedupInfo[t.Database][t.Name]
	for _, fpart := range frozen {
		part, err := m.uploadOrDedupPart(ctx, backup, fpart, tableDedup)
		if err != nil {
			m.emit(ProgressEvent{Backup: backup.Name, Database: t.Database, Table: t.Name, Part: fpart.Name, Err: err})
			return err
		}
		table.AddPart(part)
		m.emit(ProgressEvent{Backup: backup.Name, Database: t.Database, Table: t.Name, Part: part.Name, Size: part.Size, Deduplicated: part.Link != nil})

		if m.cfg.UpdateMetadataInterval > 0 && time.Since(*lastUpload) >= m.cfg.UpdateMetadataInterval {
			if err := m.layout.UploadBackupMetadata(ctx, backup); err != nil {
				return err
			}
			*lastUpload = time.Now()
		}
	}

	if err := m.control.UnfreezeAll(ctx, backup.Name); err != nil {
		return err
	}
	return m.layout.UploadBackupMetadata(ctx, backup)
}

func (m *Manager) currentMtime(ctx context.Context, t dbcontrol.TableDescriptor) (int64, error) {
	descriptors, err := m.control.Tables(ctx, t.Database, &dbcontrol.TableFilter{Include: []string{t.Name}})
	if err != nil {
		return 0, err
	}
	if len(descriptors) == 0 {
		return t.MetadataModified, nil // table dropped entirely; treat as unchanged, FreezeTable already reported it
	}
	return descriptors[0].MetadataModified, nil
}

func (m *Manager) uploadOrDedupPart(ctx context.Context, backup *metadata.BackupMetadata, fpart dbcontrol.FrozenPart, tableDedup map[string]metadata.DedupPartInfo) (metadata.PartMetadata, error) {
	fm := metadata.FrozenPart{
		Database: fpart.Database,
		Table:    fpart.Table,
		Name:     fpart.Name,
		Path:     fpart.Path,
		Checksum: fpart.Checksum,
		Size:     fpart.Size,
		Disk:     fpart.Disk,
	}

	metrics.PartSize.Observe(float64(fpart.Size))

	if tableDedup != nil {
		linked, err := dedup.DeduplicatePart(ctx, m.layout, fm, tableDedup)
		if err != nil {
			return metadata.PartMetadata{}, err
		}
		if linked != nil {
			metrics.DedupDecisions.WithLabelValues("linked").Inc()
			return *linked, nil
		}
	}

	part, err := m.layout.UploadDataPart(backup.Name, fm)
	if err != nil {
		return metadata.PartMetadata{}, err
	}
	if errsList := m.layout.Wait(false); len(errsList) > 0 {
		return metadata.PartMetadata{}, errsList[0]
	}
	metrics.DedupDecisions.WithLabelValues("uploaded").Inc()
	metrics.BytesUploaded.Add(float64(fpart.Size))
	return part, nil
}
