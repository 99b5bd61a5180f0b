package manager

import (
	"context"
	"testing"
	"time"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/metadata"
)

func newTestManager(control *dbcontrol.FakeControl, engine *fakeEngine) *Manager {
	ld := newTestLayout(engine)
	return New(ld, control, nil, nil, "test-host", Config{
		DeduplicateParts: true,
		DedupAgeLimit:    24 * time.Hour,
	})
}

func TestBackupCreatesMergeTreeTableWithParts(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.DatabaseSchemas["db1"] = "CREATE DATABASE db1"
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "events", Engine: "MergeTree", UUID: "u1", MetadataModified: 100})
	control.TableSchemas["db1.events"] = "CREATE TABLE db1.events (x Int32) ENGINE = MergeTree ORDER BY x"
	writeFrozenPart(t, control, "backup1", "db1", "events", "all_1_1_0", "hello")

	m := newTestManager(control, newFakeEngine())

	backup, skipped, err := m.Backup(ctx, BackupRequest{
		Name:    "backup1",
		Sources: DefaultSources(),
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if skipped {
		t.Fatalf("expected backup not skipped")
	}
	if backup.State != metadata.StateCreated {
		t.Fatalf("expected state CREATED, got %v", backup.State)
	}

	table := backup.Table("db1", "events")
	if table == nil {
		t.Fatalf("expected db1.events in backup metadata")
	}
	if len(table.Parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(table.Parts))
	}
	part, ok := table.Parts["all_1_1_0"]
	if !ok {
		t.Fatalf("expected part all_1_1_0 present")
	}
	if part.Size != 5 {
		t.Fatalf("expected part size 5, got %d", part.Size)
	}

	if len(control.Unfrozen) != 1 || control.Unfrozen[0] != "backup1" {
		t.Fatalf("expected UnfreezeAll called once for backup1, got %v", control.Unfrozen)
	}
}

func TestBackupSkipsNonMergeTreeData(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "v", Engine: "View", MetadataModified: 1})
	control.TableSchemas["db1.v"] = "CREATE VIEW db1.v AS SELECT 1"

	m := newTestManager(control, newFakeEngine())

	backup, _, err := m.Backup(ctx, BackupRequest{Name: "backup1", Sources: DefaultSources()})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	table := backup.Table("db1", "v")
	if table == nil {
		t.Fatalf("expected db1.v recorded")
	}
	if len(table.Parts) != 0 {
		t.Fatalf("expected no parts for a View, got %d", len(table.Parts))
	}
	if len(control.Unfrozen) != 0 {
		t.Fatalf("expected no freeze/unfreeze for a non-MergeTree table")
	}
}

func TestBackupSecondInvocationDeduplicatesIdenticalPart(t *testing.T) {
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
	backup2, _, err := m.Backup(ctx, BackupRequest{Name: "backup2", Sources: DefaultSources()})
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}

	part := backup2.Table("db1", "events").Parts["all_1_1_0"]
	if part.Link == nil {
		t.Fatalf("expected second backup's identical part to be deduplicated (Link set)")
	}
	if *part.Link != backup1Path(m) {
		t.Fatalf("expected link to point at first backup's path, got %q", *part.Link)
	}
}

func backup1Path(m *Manager) string {
	return m.layout.BackupPath("backup1")
}

func TestBackupMinIntervalSkipsWithoutForce(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "t", Engine: "Log", MetadataModified: 1})
	control.TableSchemas["db1.t"] = "CREATE TABLE db1.t (x Int32) ENGINE = Log"

	engine := newFakeEngine()
	ld := newTestLayout(engine)
	m := New(ld, control, nil, nil, "test-host", Config{MinInterval: 3600_000_000_000})

	if _, skipped, err := m.Backup(ctx, BackupRequest{Name: "backup1", Sources: DefaultSources()}); err != nil || skipped {
		t.Fatalf("expected first backup to run, skipped=%v err=%v", skipped, err)
	}

	backup2, skipped, err := m.Backup(ctx, BackupRequest{Name: "backup2", Sources: DefaultSources()})
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	if !skipped {
		t.Fatalf("expected second backup to be skipped by min_interval")
	}
	if backup2.Name != "backup1" {
		t.Fatalf("expected skipped backup to return the prior CREATED backup, got %q", backup2.Name)
	}
}
