// Package dedup implements the backup engine's part deduplication:
// scanning prior backups for parts a new backup can link to instead of
// re-uploading, and tracking which linked parts a batch deletion must
// leave alone.
package dedup

import (
	"context"
	"sort"
	"time"

	"github.com/partvault/partvault/internal/layout"
	"github.com/partvault/partvault/internal/metadata"
)

// IsReplicatedFunc reports whether a table engine name is one of the
// replicated engines, used to decide whether a replica-only backup's
// parts are eligible dedup candidates for a given table.
type IsReplicatedFunc func(engine string) bool

// TableEngineFunc resolves the storage engine of one table, used by
// IsReplicatedFunc to classify its parts.
type TableEngineFunc func(database, table string) string

// databaseProgress tracks, for one target database, whether its
// replicated and non-replicated tables have already been satisfied by a
// CREATED backup scanned so far.
type databaseProgress struct {
	replicatedHandled    bool
	nonreplicatedHandled bool
}

func (p *databaseProgress) handled() bool {
	return p.replicatedHandled && p.nonreplicatedHandled
}

// Candidates filters backupsNewestFirst (sorted newest to oldest) down
// to the ones eligible as dedup sources: stops scanning as soon as a
// backup falls outside ageLimit (everything older is even further out),
// and skips (without stopping at) any schema-only backup encountered
// along the way. Deduplication is opt-in: if !deduplicateParts no
// candidates are returned at all.
func Candidates(deduplicateParts bool, ageLimit time.Duration, now time.Time, backupsNewestFirst []*metadata.BackupMetadata) []*metadata.BackupMetadata {
	if !deduplicateParts {
		return nil
	}
	cutoff := now.Add(-ageLimit)

	var out []*metadata.BackupMetadata
	for _, b := range backupsNewestFirst {
		if b.StartTime.Before(cutoff) {
			break
		}
		if b.SchemaOnly {
			continue
		}
		out = append(out, b)
	}
	return out
}

// CollectDedupInfo builds the dedup index a new backup uses to link
// parts instead of uploading them, scanning candidates (newest first,
// as returned by Candidates) until every named database's replicated and
// non-replicated tables have been satisfied by a CREATED backup. Returns
// an empty index unchanged if schemaOnly, matching "do not populate
// DedupInfo if we are creating schema-only backup."
func CollectDedupInfo(
	ctx context.Context,
	ld *layout.Layout,
	hostname string,
	schemaOnly bool,
	databases []string,
	candidates []*metadata.BackupMetadata,
	tableEngine TableEngineFunc,
	isReplicated IsReplicatedFunc,
) (metadata.DedupInfo, error) {
	dedupInfo := make(metadata.DedupInfo)
	if schemaOnly {
		return dedupInfo, nil
	}

	candidatePaths := make(map[string]bool, len(candidates))
	for _, b := range candidates {
		candidatePaths[b.Path] = true
	}

	progress := make(map[string]*databaseProgress, len(databases))
	for _, db := range databases {
		progress[db] = &databaseProgress{}
	}

	for _, light := range candidates {
		if len(progress) == 0 {
			break
		}

		backup, err := ld.ReloadBackup(ctx, light.Name)
		if err != nil {
			return nil, err
		}

		onlyReplicated := hostname != backup.Hostname

		var toVisit []string
		visitProgress := make(map[string]databaseProgress)
		for dbName := range backup.Databases {
			p, ok := progress[dbName]
			if !ok {
				continue
			}
			toVisit = append(toVisit, dbName)
			visitProgress[dbName] = *p

			if backup.State == metadata.StateCreated {
				p.replicatedHandled = true
				if !onlyReplicated {
					p.nonreplicatedHandled = true
				}
				if p.handled() {
					delete(progress, dbName)
				}
			}
		}
		sort.Strings(toVisit)

		for _, dbName := range toVisit {
			p := visitProgress[dbName]
			db := backup.Databases[dbName]
			collectTableDedupInfo(dedupInfo, dbName, db, &p, onlyReplicated, candidatePaths, backup.Path, tableEngine, isReplicated)
		}
	}

	return dedupInfo, nil
}

func collectTableDedupInfo(
	dedupInfo metadata.DedupInfo,
	dbName string,
	db *metadata.DatabaseMetadata,
	progress *databaseProgress,
	onlyReplicated bool,
	candidatePaths map[string]bool,
	backupPath string,
	tableEngine TableEngineFunc,
	isReplicated IsReplicatedFunc,
) {
	var tableNames []string
	for tableName := range db.Tables {
		tableNames = append(tableNames, tableName)
	}
	sort.Strings(tableNames)

	for _, tableName := range tableNames {
		table := db.Tables[tableName]
		replicated := isReplicated(tableEngine(dbName, tableName))
		if replicated && progress.replicatedHandled {
			continue
		}
		if !replicated && (progress.nonreplicatedHandled || onlyReplicated) {
			continue
		}

		for _, part := range table.Parts {
			if _, exists := dedupInfo.Lookup(dbName, tableName, part.Name); exists {
				continue
			}

			var partBackupPath string
			var verified bool
			if part.Link != nil {
				if !candidatePaths[*part.Link] {
					continue
				}
				partBackupPath = *part.Link
				verified = true
			} else {
				partBackupPath = backupPath
				verified = false
			}

			dedupInfo.Set(dbName, tableName, part.Name, metadata.DedupPartInfo{
				BackupPath: partBackupPath,
				Checksum:   part.Checksum,
				Size:       part.Size,
				Files:      part.Files,
				Tarball:    part.Tarball,
				DiskName:   part.DiskName,
				Verified:   verified,
			})
		}
	}
}

// DeduplicatePart looks up fpart in the table's dedup candidates and
// returns a PartMetadata linking to the existing bytes if the candidate's
// checksum matches and (for unverified candidates) its files are still
// present in storage. Returns nil, nil if no usable candidate is found.
func DeduplicatePart(ctx context.Context, ld *layout.Layout, fpart metadata.FrozenPart, tableDedupInfo map[string]metadata.DedupPartInfo) (*metadata.PartMetadata, error) {
	existing, ok := tableDedupInfo[fpart.Name]
	if !ok {
		return nil, nil
	}
	if existing.Checksum != fpart.Checksum {
		return nil, nil
	}

	backupPath := existing.BackupPath
	part := metadata.PartMetadata{
		Database: fpart.Database,
		Table:    fpart.Table,
		Name:     fpart.Name,
		Checksum: existing.Checksum,
		Size:     existing.Size,
		Files:    existing.Files,
		Tarball:  existing.Tarball,
		DiskName: existing.DiskName,
		Link:     &backupPath,
	}

	if !existing.Verified {
		ok, err := ld.CheckDataPart(ctx, backupPath, part)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		existing.Verified = true
		tableDedupInfo[fpart.Name] = existing
	}

	return &part, nil
}

// DedupReferences is database -> table -> set of part names that a
// batch deletion must not remove the bytes of, because a retained
// backup still links to them.
type DedupReferences map[string]map[string]map[string]bool

// CollectDedupReferencesForBatchDeletion scans every part of every
// retained backup and records, per deleting backup (keyed by name), the
// parts it must keep because a retained backup links to them.
func CollectDedupReferencesForBatchDeletion(retained, deleting []*metadata.BackupMetadata) map[string]DedupReferences {
	nameByPath := make(map[string]string, len(deleting))
	for _, b := range deleting {
		nameByPath[b.Path] = b.Name
	}

	result := make(map[string]DedupReferences)
	for _, backup := range retained {
		backup.Parts(func(database, table string, part metadata.PartMetadata) {
			if part.Link == nil {
				return
			}
			backupName, ok := nameByPath[*part.Link]
			if !ok {
				return
			}
			refs, ok := result[backupName]
			if !ok {
				refs = make(DedupReferences)
				result[backupName] = refs
			}
			addPartReference(refs, database, table, part.Name)
		})
	}
	return result
}

func addPartReference(refs DedupReferences, database, table, part string) {
	tables, ok := refs[database]
	if !ok {
		tables = make(map[string]map[string]bool)
		refs[database] = tables
	}
	parts, ok := tables[table]
	if !ok {
		parts = make(map[string]bool)
		tables[table] = parts
	}
	parts[part] = true
}
