package manager

import (
	"context"
	"testing"
	"time"

	"github.com/partvault/partvault/internal/dbcontrol"
)

func TestPurgeRetainCountKeepsOnlyNewestBackups(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "t", Engine: "Log", MetadataModified: 1})
	control.TableSchemas["db1.t"] = "CREATE TABLE db1.t (x Int32) ENGINE = Log"

	engine := newFakeEngine()
	m := newTestManager(control, engine)
	m.cfg.RetainCount = 1

	for _, name := range []string{"backup1", "backup2", "backup3"} {
		if _, _, err := m.Backup(ctx, BackupRequest{Name: name, Sources: DefaultSources()}); err != nil {
			t.Fatalf("Backup %s: %v", name, err)
		}
	}

	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	remaining, err := m.layout.GetBackupNames(ctx)
	if err != nil {
		t.Fatalf("GetBackupNames: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "backup3" {
		t.Fatalf("expected only backup3 to survive retain_count=1, got %v", remaining)
	}
}

func TestPurgeRetainTimeKeepsRecentBackups(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "t", Engine: "Log", MetadataModified: 1})
	control.TableSchemas["db1.t"] = "CREATE TABLE db1.t (x Int32) ENGINE = Log"

	engine := newFakeEngine()
	m := newTestManager(control, engine)
	m.cfg.RetainTime = 24 * time.Hour

	if _, _, err := m.Backup(ctx, BackupRequest{Name: "backup1", Sources: DefaultSources()}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	remaining, err := m.layout.GetBackupNames(ctx)
	if err != nil {
		t.Fatalf("GetBackupNames: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected retain_time to keep the only recent backup, got %v", remaining)
	}
}

func TestPurgeWithNoRetentionPolicyDeletesEverything(t *testing.T) {
	ctx := context.Background()
	control := dbcontrol.NewFakeControl()
	control.AddTable("db1", dbcontrol.TableDescriptor{Name: "t", Engine: "Log", MetadataModified: 1})
	control.TableSchemas["db1.t"] = "CREATE TABLE db1.t (x Int32) ENGINE = Log"

	engine := newFakeEngine()
	m := newTestManager(control, engine)

	if _, _, err := m.Backup(ctx, BackupRequest{Name: "backup1", Sources: DefaultSources()}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	remaining, err := m.layout.GetBackupNames(ctx)
	if err != nil {
		t.Fatalf("GetBackupNames: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no retention policy to purge everything, got %v", remaining)
	}
}
