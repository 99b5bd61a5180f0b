package metadata

import "time"

// BackupMetadata is the root object persisted for one backup: the unit of
// identity for every manager operation and the payload stored at the
// path Layout.MetaPath computes for Name.
type BackupMetadata struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	Version       string `json:"version"`
	DatabaseVersion string `json:"db_version"`
	Hostname      string `json:"hostname"`

	// TimeFormat names the layout StartTime/EndTime were encoded with, so
	// a reader decades later can still parse them.
	TimeFormat string     `json:"time_format"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`

	State State `json:"state"`

	Size     int64 `json:"size"`
	RealSize int64 `json:"real_size"`

	Labels map[string]string `json:"labels,omitempty"`

	SchemaOnly           bool     `json:"schema_only"`
	UserDefinedFunctions []string `json:"user_defined_functions,omitempty"`

	AccessControl *AccessControlMetadata `json:"access_control,omitempty"`

	CloudStorage           []CloudStorageDisk `json:"cloud_storage,omitempty"`
	ObjectStorageRevisions map[string]int64   `json:"object_storage_revisions,omitempty"`

	Databases map[string]*DatabaseMetadata `json:"databases,omitempty"`
}

// New returns a BackupMetadata entering the CREATING state.
func New(name, path, version, dbVersion, hostname string, start time.Time) *BackupMetadata {
	return &BackupMetadata{
		Name:            name,
		Path:            path,
		Version:         version,
		DatabaseVersion: dbVersion,
		Hostname:        hostname,
		TimeFormat:      time.RFC3339Nano,
		StartTime:       start,
		State:           StateCreating,
		Databases:       make(map[string]*DatabaseMetadata),
	}
}

// SetState transitions b to next, recording or clearing EndTime as
// required by next.HasEndTime. Returns false without modifying b if the
// transition is illegal.
func (b *BackupMetadata) SetState(next State, at time.Time) bool {
	if !b.State.CanTransitionTo(next) {
		return false
	}
	b.State = next
	if next.HasEndTime() {
		b.EndTime = &at
	} else {
		b.EndTime = nil
	}
	return true
}

// Table returns the named table's metadata, or nil if the database or
// table is not present.
func (b *BackupMetadata) Table(database, table string) *TableMetadata {
	db, ok := b.Databases[database]
	if !ok {
		return nil
	}
	return db.Tables[table]
}

// AddDatabase registers db under name if not already present, and
// returns the stored value.
func (b *BackupMetadata) AddDatabase(name string, db *DatabaseMetadata) *DatabaseMetadata {
	if b.Databases == nil {
		b.Databases = make(map[string]*DatabaseMetadata)
	}
	if existing, ok := b.Databases[name]; ok {
		return existing
	}
	b.Databases[name] = db
	return db
}

// Parts iterates every part across every database/table in the backup,
// calling fn with the owning database and table names.
func (b *BackupMetadata) Parts(fn func(database, table string, part PartMetadata)) {
	for dbName, db := range b.Databases {
		for tableName, table := range db.Tables {
			for _, part := range table.Parts {
				fn(dbName, tableName, part)
			}
		}
	}
}
