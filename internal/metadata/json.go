package metadata

import (
	"encoding/json"
	"fmt"
)

// backupMetadataAlias has the same fields as BackupMetadata but a
// distinct type, so MarshalJSON/UnmarshalJSON on BackupMetadata can embed
// it without recursing into themselves.
type backupMetadataAlias BackupMetadata

// wireBackupMetadata is the superset of fields ever seen on the wire: the
// current shape plus the legacy aliases this package must still read.
// date_fmt is the pre-rename spelling of time_format; it is never
// written, only accepted.
type wireBackupMetadata struct {
	backupMetadataAlias
	LegacyDateFmt         string                       `json:"date_fmt,omitempty"`
	LegacyAccessControl   *legacyAccessControlMetadata `json:"access_control_meta,omitempty"`
}

// MarshalJSON always emits the current nested shape: no legacy aliases.
func (b BackupMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(backupMetadataAlias(b))
}

// UnmarshalJSON accepts both the current shape and two legacy aliases:
// a top-level "date_fmt" in place of "time_format", and a flat
// "access_control_meta" in place of the nested "access_control" object.
func (b *BackupMetadata) UnmarshalJSON(data []byte) error {
	var wire wireBackupMetadata
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode backup metadata: %w", err)
	}
	*b = BackupMetadata(wire.backupMetadataAlias)
	if b.TimeFormat == "" && wire.LegacyDateFmt != "" {
		b.TimeFormat = wire.LegacyDateFmt
	}
	if b.AccessControl == nil && wire.LegacyAccessControl != nil {
		nested := wire.LegacyAccessControl.toNested()
		b.AccessControl = &nested
	}
	return nil
}
