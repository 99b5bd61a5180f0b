// Package layout computes the remote key layout of a backup and drives
// the storage engine and pipeline packages to move metadata and data
// parts in and out of it.
package layout

import (
	"net/url"
	"path"
	"strings"
)

// BackupMetaFilename is the name of the backup metadata object stored at
// the root of every backup's prefix.
const BackupMetaFilename = "backup_struct.json"

// BackupPath returns the remote prefix for the named backup under root.
func BackupPath(pathRoot, backupName string) string {
	return path.Join(pathRoot, backupName)
}

// MetaPath returns the remote path of a backup's metadata object.
func MetaPath(backupPath string) string {
	return path.Join(backupPath, BackupMetaFilename)
}

// DBMetaPath returns the remote path of a database's create statement.
func DBMetaPath(backupPath, database string) string {
	return path.Join(backupPath, "metadata", Escape(database)+".sql")
}

// TableMetaPath returns the remote path of a table's create statement.
func TableMetaPath(backupPath, database, table string) string {
	return path.Join(backupPath, "metadata", Escape(database), Escape(table)+".sql")
}

// PartPath returns the remote directory a data part's files are stored
// under.
func PartPath(backupPath, database, table, part string) string {
	return path.Join(backupPath, "data", database, table, part)
}

// TarballPath returns the remote object holding a data part's files when
// they are stored as a single tar archive instead of one object per
// file. It sits alongside, not inside, PartPath's directory so the two
// layouts never collide.
func TarballPath(backupPath, database, table, part string) string {
	return path.Join(backupPath, "data", database, table, part+".tar")
}

// AccessControlObjectPath returns the remote path of one access-control
// object's exported SQL, keyed by its opaque object id.
func AccessControlObjectPath(backupPath, objectID string) string {
	return path.Join(backupPath, "access_control", Escape(objectID)+".sql")
}

// UDFPath returns the remote path of one user-defined function's
// exported SQL.
func UDFPath(backupPath, name string) string {
	return path.Join(backupPath, "udf", Escape(name)+".sql")
}

// Escape percent-encodes value for use as a single path segment. Beyond
// RFC 3986's unreserved set, '.' and '-' are additionally escaped as
// %2E/%2D so a database or table name composed only of dots or dashes
// can never collide with "." or "..".
func Escape(value string) string {
	escaped := url.PathEscape(value)
	escaped = strings.ReplaceAll(escaped, ".", "%2E")
	escaped = strings.ReplaceAll(escaped, "-", "%2D")
	return escaped
}
