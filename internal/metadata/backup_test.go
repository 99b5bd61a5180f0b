package metadata

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBackupMetadataSetState(t *testing.T) {
	b := New("backup-1", "/backup-1", "1.0", "24.3", "host-a", time.Unix(0, 0))

	if !b.SetState(StateCreated, time.Unix(10, 0)) {
		t.Fatalf("CREATING -> CREATED should be legal")
	}
	if b.EndTime == nil {
		t.Fatalf("CREATED must have an end time")
	}

	if b.SetState(StateCreating, time.Unix(20, 0)) {
		t.Fatalf("CREATED -> CREATING should be illegal")
	}

	if !b.SetState(StateDeleting, time.Unix(30, 0)) {
		t.Fatalf("CREATED -> DELETING should be legal")
	}
}

func TestBackupMetadataAddDatabaseIsIdempotent(t *testing.T) {
	b := New("backup-1", "/backup-1", "1.0", "24.3", "host-a", time.Unix(0, 0))

	first := b.AddDatabase("default", NewDatabaseMetadata("Atomic", "/var/lib/ch/metadata/default"))
	second := b.AddDatabase("default", NewDatabaseMetadata("Ordinary", "/other"))

	if first != second {
		t.Fatalf("AddDatabase should return the existing entry on repeat calls")
	}
	if first.Engine != "Atomic" {
		t.Fatalf("first registration should win, got engine %q", first.Engine)
	}
}

func TestUnmarshalJSONAcceptsLegacyDateFmt(t *testing.T) {
	raw := []byte(`{
		"name": "backup-1",
		"path": "/backup-1",
		"date_fmt": "2006-01-02T15:04:05Z07:00",
		"start_time": "2024-01-01T00:00:00Z",
		"state": "created"
	}`)

	var b BackupMetadata
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.TimeFormat != "2006-01-02T15:04:05Z07:00" {
		t.Fatalf("expected legacy date_fmt to populate TimeFormat, got %q", b.TimeFormat)
	}
}

func TestUnmarshalJSONAcceptsLegacyAccessControl(t *testing.T) {
	raw := []byte(`{
		"name": "backup-1",
		"path": "/backup-1",
		"start_time": "2024-01-01T00:00:00Z",
		"state": "created",
		"access_control_meta": {
			"access_control_meta": [
				{"id": "u1", "name": "alice", "type": "user"}
			],
			"storage_format": "text"
		}
	}`)

	var b BackupMetadata
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.AccessControl == nil {
		t.Fatalf("expected AccessControl to be populated from legacy shape")
	}
	if len(b.AccessControl.Objects) != 1 || b.AccessControl.Objects[0] != "u1" {
		t.Fatalf("unexpected objects: %+v", b.AccessControl.Objects)
	}
	if b.AccessControl.Index["u1"].Name != "alice" {
		t.Fatalf("unexpected index entry: %+v", b.AccessControl.Index["u1"])
	}
}

func TestMarshalJSONRoundTrip(t *testing.T) {
	b := New("backup-1", "/backup-1", "1.0", "24.3", "host-a", time.Unix(0, 0).UTC())
	b.AddDatabase("default", NewDatabaseMetadata("Atomic", "/x"))
	b.SetState(StateCreated, time.Unix(5, 0).UTC())

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round BackupMetadata
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.Name != b.Name || round.State != b.State {
		t.Fatalf("round trip mismatch: %+v", round)
	}
	if round.Databases["default"].Engine != "Atomic" {
		t.Fatalf("database not preserved: %+v", round.Databases)
	}
}
