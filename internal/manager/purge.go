package manager

import (
	"context"
	"time"

	"github.com/partvault/partvault/internal/dedup"
	"github.com/partvault/partvault/internal/metadata"
)

// Purge computes the set to delete from two retention policies applied
// jointly (a backup survives if either policy would keep it), then
// deletes everything else.
func (m *Manager) Purge(ctx context.Context) (err error) {
	opStart := time.Now()
	defer func() {
		outcome := "purged"
		if err != nil {
			outcome = "failed"
		}
		observeOperation("purge", opStart, outcome)
	}()

	all, err := m.allBackups(ctx) // newest first
	if err != nil {
		return err
	}

	kept := m.retainedByPolicy(all)

	var deleting, retained []*metadata.BackupMetadata
	for _, b := range all {
		if kept[b.Name] {
			retained = append(retained, b)
		} else {
			deleting = append(deleting, b)
		}
	}
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

// retainedByPolicy returns the set of backup names retain_time or
// retain_count would keep, applied jointly. all must be newest-first.
func (m *Manager) retainedByPolicy(all []*metadata.BackupMetadata) map[string]bool {
	kept := make(map[string]bool, len(all))

	if m.cfg.RetainTime > 0 {
		cutoff := time.Now().UTC().Add(-m.cfg.RetainTime)
		for _, b := range all {
			if b.StartTime.After(cutoff) {
				kept[b.Name] = true
			}
		}
	}

	if m.cfg.RetainCount > 0 {
		count := 0
		for _, b := range all {
			if b.State != metadata.StateCreated {
				continue
			}
			count++
			if count <= m.cfg.RetainCount {
				kept[b.Name] = true
			}
		}
	}

	return kept
}
