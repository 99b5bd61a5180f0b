// Package errs defines the error taxonomy used throughout the backup
// engine. Each kind is a distinct type so callers can dispatch on it with
// errors.As instead of matching on message text.
package errs

import "fmt"

// ConfigurationError signals a missing or invalid required setting,
// fatal at process start.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// NewConfigurationError builds a ConfigurationError for a missing or
// invalid field.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// StorageError wraps a failure surfaced by the storage engine after its
// internal retries are exhausted. The enclosing backup/restore operation
// must transition to FAILED on seeing one of these.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError wraps cause as a StorageError for operation op against
// key (key may be empty for bucket-level operations).
func NewStorageError(op, key string, cause error) *StorageError {
	return &StorageError{Op: op, Key: key, Cause: cause}
}

// DatabaseControlError wraps a failure from the external database control
// plane (freeze, attach, DDL, ...). ConcurrentDrop marks a freeze failure
// that is actually a concurrent drop of the target table -- callers treat
// this as a warning and skip the table rather than aborting.
type DatabaseControlError struct {
	Op             string
	Table          string
	ConcurrentDrop bool
	Cause          error
}

func (e *DatabaseControlError) Error() string {
	return fmt.Sprintf("database control error: %s %s: %v", e.Op, e.Table, e.Cause)
}

func (e *DatabaseControlError) Unwrap() error { return e.Cause }

// MetadataError signals malformed or missing backup metadata. The backup
// it names is unusable; list/purge log and skip it rather than aborting.
type MetadataError struct {
	Backup string
	Cause  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata error: backup %q: %v", e.Backup, e.Cause)
}

func (e *MetadataError) Unwrap() error { return e.Cause }

// DedupError signals that a linked part's candidate proved missing during
// verification. The caller drops the dedup entry and uploads the part
// fresh instead of aborting.
type DedupError struct {
	Database string
	Table    string
	Part     string
	Cause    error
}

func (e *DedupError) Error() string {
	return fmt.Sprintf("dedup error: %s.%s part %s: %v", e.Database, e.Table, e.Part, e.Cause)
}

func (e *DedupError) Unwrap() error { return e.Cause }

// LockError signals that the flock or distributed lock could not be
// acquired. cmd/partvault exits with the fixed code exitLockContention
// (75) on it; the code is not configurable.
type LockError struct {
	Lock  string
	Cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock error: %s: %v", e.Lock, e.Cause)
}

func (e *LockError) Unwrap() error { return e.Cause }

// CancelError signals external termination (signal, context cancellation).
// It propagates through every pipeline stage; the controller attempts to
// checkpoint the in-flight backup to FAILED before returning it.
type CancelError struct {
	Cause error
}

func (e *CancelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cancelled: %v", e.Cause)
	}
	return "cancelled"
}

func (e *CancelError) Unwrap() error { return e.Cause }

// NewCancelError wraps cause (typically a context error) as a
// CancelError.
func NewCancelError(cause error) *CancelError {
	return &CancelError{Cause: cause}
}

// BadKeyError is returned by a Cryptor when decryption fails integrity
// verification -- tampered ciphertext or the wrong key.
type BadKeyError struct{}

func (e *BadKeyError) Error() string { return "BAD_KEY: decryption failed authentication" }
