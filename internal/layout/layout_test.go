package layout

import "testing"

func TestEscapeHandlesDotsAndDashes(t *testing.T) {
	cases := map[string]string{
		"default":      "default",
		"my.db":        "my%2Edb",
		"my-table":     "my%2Dtable",
		"..":           "%2E%2E",
		"a b":          "a%20b",
		"has/slash":    "has%2Fslash",
	}
	for in, want := range cases {
		if got := Escape(in); got != want {
			t.Errorf("Escape(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	backupPath := BackupPath("/var/backups", "20260101T000000")
	if backupPath != "/var/backups/20260101T000000" {
		t.Fatalf("BackupPath = %q", backupPath)
	}
	if got := MetaPath(backupPath); got != "/var/backups/20260101T000000/backup_struct.json" {
		t.Fatalf("MetaPath = %q", got)
	}
	if got := DBMetaPath(backupPath, "my.db"); got != "/var/backups/20260101T000000/metadata/my%2Edb.sql" {
		t.Fatalf("DBMetaPath = %q", got)
	}
	if got := TableMetaPath(backupPath, "default", "events"); got != "/var/backups/20260101T000000/metadata/default/events.sql" {
		t.Fatalf("TableMetaPath = %q", got)
	}
	if got := PartPath(backupPath, "default", "events", "all_1_1_0"); got != "/var/backups/20260101T000000/data/default/events/all_1_1_0" {
		t.Fatalf("PartPath = %q", got)
	}
}
