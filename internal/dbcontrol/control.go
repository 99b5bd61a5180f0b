// Package dbcontrol defines the narrow interface the backup engine uses
// to talk to the database control plane (freeze, attach, DDL, disk
// enumeration) and the coordination service used for replica metadata
// cleanup. Neither the database nor the coordination service itself is
// implemented here — only the contract and test fakes.
package dbcontrol

import "context"

// Disk describes one storage disk known to the database, including
// object-storage-backed ("cloud_storage") disks that need a bucket
// clone on restore.
type Disk struct {
	Name      string
	Type      string
	Path      string
	CachePath string
}

// TableDescriptor is the minimal identity and engine metadata the
// manager needs to decide freeze/restore ordering for one table.
type TableDescriptor struct {
	Database         string
	Name             string
	Engine           string
	UUID             string
	MetadataModified int64 // unix seconds; drives deterministic per-database ordering
	Replicated       bool
}

// AccessControlObject is one access-control entity (role, user, quota,
// ...) as exported by the control plane.
type AccessControlObject struct {
	ID   string
	Name string
	Type string
	SQL  string
}

// TableFilter selects a subset of a database's tables by name, used by
// partial backup/restore.
type TableFilter struct {
	Include []string
	Exclude []string
}

// Control is the external database control plane contract: freezing a
// table to produce immutable snapshot parts, attaching parts back,
// issuing DDL, enumerating tables/disks.
type Control interface {
	// Databases lists database names, excluding any named in exclude.
	Databases(ctx context.Context, exclude []string) ([]string, error)
	// Tables lists tables of database, restricted by filter if non-nil.
	Tables(ctx context.Context, database string, filter *TableFilter) ([]TableDescriptor, error)
	// TableExists reports whether database.table currently exists.
	TableExists(ctx context.Context, database, table string) (bool, error)

	// GetDatabaseSchema returns database's CREATE DATABASE statement.
	GetDatabaseSchema(ctx context.Context, database string) (string, error)
	// GetTableSchema returns database.table's CREATE TABLE statement.
	GetTableSchema(ctx context.Context, database, table string) (string, error)

	// FreezeTable snapshots database.table under backupName, returning
	// the frozen parts produced.
	FreezeTable(ctx context.Context, backupName, database, table string) ([]FrozenPart, error)
	// UnfreezeAll releases every snapshot taken under backupName.
	UnfreezeAll(ctx context.Context, backupName string) error

	// Disks returns every storage disk known to the database, keyed by
	// name.
	Disks(ctx context.Context) (map[string]Disk, error)
	// GetDetachedPartPath returns the filesystem path a part must be
	// placed at before AttachPart can pick it up.
	GetDetachedPartPath(ctx context.Context, database, table, disk, partName string) (string, error)

	// AttachPart attaches a part already placed in its detached
	// directory.
	AttachPart(ctx context.Context, database, table, partName string) error
	// CreateTable issues stmt (a CREATE TABLE/DATABASE statement).
	CreateTable(ctx context.Context, stmt string) error
	// DropTableIfExists drops database.table if it exists.
	DropTableIfExists(ctx context.Context, database, table string) error
	// RestoreReplica re-joins database.table to its replica group after
	// a restore.
	RestoreReplica(ctx context.Context, database, table string) error

	// ChownDetachedParts fixes ownership of database.table's detached
	// directory so the server process can read parts placed there by
	// another user.
	ChownDetachedParts(ctx context.Context, database, table string) error

	// AccessControlObjects lists every access-control entity to back up.
	AccessControlObjects(ctx context.Context) ([]AccessControlObject, error)
	// RestoreAccessControlObject (re)creates one access-control entity
	// from its exported SQL.
	RestoreAccessControlObject(ctx context.Context, obj AccessControlObject) error

	// UDFDefinitions returns every user-defined function's name -> SQL
	// definition.
	UDFDefinitions(ctx context.Context) (map[string]string, error)
	// DropUDFIfExists drops name if it currently exists.
	DropUDFIfExists(ctx context.Context, name string) error
	// RestoreUDF (re)creates name from its exported SQL definition.
	RestoreUDF(ctx context.Context, name, sql string) error

	// Version returns the database's version string, used in backup
	// metadata and for feature gating (e.g. freeze syntax selection).
	Version(ctx context.Context) (string, error)
}

// FrozenPart is the result of one FreezeTable call: a part now sitting
// on local disk under the database's shadow directory, not yet uploaded.
type FrozenPart struct {
	Database string
	Table    string
	Name     string
	Path     string
	Checksum string
	Size     int64
	Disk     string
}

// Coordinator is the distributed coordination service: a cross-replica
// lock plus a narrow channel for telling other replicas about metadata
// that needs cleaning up.
type Coordinator interface {
	// CleanupReplicaMetadata notifies the coordination service that
	// table's replica metadata should be cleaned up because this
	// replica's copy was dropped.
	CleanupReplicaMetadata(ctx context.Context, database, table string) error
}
