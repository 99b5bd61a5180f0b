package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  type: s3
  path_root: backups
  s3:
    bucket: my-bucket
encryption:
  type: nacl
  key: "0011223344556677001122334455667700112233445566770011223344556677"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.ChunkSize != 8*1024*1024 {
		t.Errorf("ChunkSize = %d, want default", cfg.Storage.ChunkSize)
	}
	if cfg.Compression.Type != "zstd" {
		t.Errorf("Compression.Type = %q, want zstd default", cfg.Compression.Type)
	}
	if cfg.Retention.RetainCount != 7 {
		t.Errorf("RetainCount = %d, want 7 default", cfg.Retention.RetainCount)
	}
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  type: s3
  path_root: backups
  s3:
    bucket: my-bucket
typo_section:
  foo: bar
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoadRequiresBucketForS3(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  type: s3
  path_root: backups
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing storage.s3.bucket")
	}
}

func TestLoadRequiresEncryptionKeyForNacl(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  type: s3
  path_root: backups
  s3:
    bucket: my-bucket
encryption:
  type: nacl
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing encryption.key")
	}
}

func TestLoadRejectsUnknownStorageType(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  type: carrier-pigeon
  path_root: backups
encryption:
  type: none
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown storage.type")
	}
}
