package manager

import (
	"context"
	"testing"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/metadata"
)

func TestDeleteWithoutDedupReferencesRemovesBackupEntirely(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "events", Engine: "MergeTree", MetadataModified: 1})
	control.TableSchemas["db1.events"] = "CREATE TABLE db1.events (x Int32) ENGINE = MergeTree ORDER BY x"
	writeFrozenPart(t, control, "backup1", "db1", "events", "all_1_1_0", "hello")

	engine := newFakeEngine()
	m := newTestManager(control, engine)
	if _, _, err := m.Backup(ctx, BackupRequest{Name: "backup1", Sources: DefaultSources()}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := m.Delete(ctx, "backup1", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	remaining, err := m.layout.GetBackupNames(ctx)
	if err != nil {
		t.Fatalf("GetBackupNames: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no backups left after full delete, got %v", remaining)
	}
	if len(control.Unfrozen) == 0 {
		t.Fatalf("expected UnfreezeAll called on full delete")
	}
}

func TestDeleteWithDedupReferencesLeavesReferencedPartsIntact(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "events", Engine: "MergeTree", MetadataModified: 1})
	control.TableSchemas["db1.events"] = "CREATE TABLE db1.events (x Int32) ENGINE = MergeTree ORDER BY x"

	engine := newFakeEngine()
	m := newTestManager(control, engine)

	writeFrozenPart(t, control, "backup1", "db1", "events", "all_1_1_0", "hello")
	if _, _, err := m.Backup(ctx, BackupRequest{Name: "backup1", Sources: DefaultSources()}); err != nil {
		t.Fatalf("first backup: %v", err)
	}

	writeFrozenPart(t, control, "backup2", "db1", "events", "all_1_1_0", "hello")
	if _, _, err := m.Backup(ctx, BackupRequest{Name: "backup2", Sources: DefaultSources()}); err != nil {
		t.Fatalf("second backup: %v", err)
	}

	if err := m.Delete(ctx, "backup1", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	backup1, err := m.layout.GetBackupMetadata(ctx, "backup1")
	if err != nil {
		t.Fatalf("GetBackupMetadata: %v", err)
	}
	if backup1 == nil {
		t.Fatalf("expected backup1's metadata to still exist")
	}
	if backup1.State != metadata.StatePartiallyDeleted {
		t.Fatalf("expected backup1 PARTIALLY_DELETED, got %v", backup1.State)
	}

	ok, err := m.layout.CheckDataPart(ctx, backup1.Path, backup1.Table("db1", "events").Parts["all_1_1_0"])
	if err != nil {
		t.Fatalf("CheckDataPart: %v", err)
	}
	if !ok {
		t.Fatalf("expected backup1's physically-owned part to remain, since backup2 still links to it")
	}
}

func TestDeleteUnknownBackupNameIsANoop(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	m := newTestManager(control, newFakeEngine())

	if err := m.Delete(ctx, "does-not-exist", false); err != nil {
		t.Fatalf("Delete of an unknown backup should be a no-op, got %v", err)
	}
}
