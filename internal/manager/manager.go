// Package manager implements the backup engine's controller: the
// state-machine and orchestration logic that drives internal/dbcontrol,
// internal/layout, internal/dedup, internal/lock and internal/restorectx
// through one backup, restore, delete, or purge operation at a time.
package manager

import (
	"time"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/layout"
	"github.com/partvault/partvault/internal/lock"
	"github.com/partvault/partvault/internal/metrics"
	"github.com/partvault/partvault/internal/restorectx"
)

// Config carries every manager-level policy knob, sourced from
// internal/config.Config and CLI flags at process start.
type Config struct {
	// MinInterval, if non-zero, makes Backup skip creating a new backup
	// when the most recent CREATED one is younger than this, unless
	// force is passed to Backup.
	MinInterval time.Duration

	// KeepFrozenDataOnFailure skips the UnfreezeAll cleanup when a
	// backup transitions to FAILED, left for post-mortem inspection.
	KeepFrozenDataOnFailure bool

	// UpdateMetadataInterval bounds how often Backup re-uploads
	// BackupMetadata while a table's parts are being uploaded.
	UpdateMetadataInterval time.Duration

	// DeduplicateParts and DedupAgeLimit configure dedup candidate
	// selection, passed through to internal/dedup.Candidates.
	DeduplicateParts bool
	DedupAgeLimit    time.Duration

	// RestoreFailOnAttachError is carried in the configuration but has no
	// effect: a part that fails to attach aborts Restore unless KeepGoing
	// is set, in which case the failure is only logged.
	RestoreFailOnAttachError bool
	// KeepGoing makes table schema/data restore collect failures across
	// tables instead of aborting on the first one.
	KeepGoing bool

	// ForceNonReplicatedEngine and OverrideReplicaName configure table
	// and database schema rewriting during restore.
	ForceNonReplicatedEngine bool
	OverrideReplicaName      string

	// CleanCoordinatorMetadata enables the CleanupReplicaMetadata call
	// for an existing replicated table that Restore drops because its
	// schema differs from the backup's. Databases are not cleaned.
	CleanCoordinatorMetadata bool

	// RetainTime and RetainCount configure Purge's joint retention
	// policy.
	RetainTime  time.Duration
	RetainCount int

	// ExcludeDatabases is never implicitly backed up by Backup when no
	// explicit database list is given.
	ExcludeDatabases []string
}

// Sources selects which categories of object a Backup or Restore call
// covers. Schema is not consulted by either call: database and table
// schemas are always backed up and restored.
type Sources struct {
	Access bool
	UDF    bool
	Schema bool
	Data   bool
}

// DefaultSources covers every category, the default for a full
// backup/restore.
func DefaultSources() Sources {
	return Sources{Access: true, UDF: true, Schema: true, Data: true}
}

// Manager wires together the database control plane, the remote layout,
// local/distributed locking, dedup bookkeeping and the durable restore
// context into the four top-level operations: Backup, Restore, Delete,
// and Purge.
type Manager struct {
	layout      *layout.Layout
	control     dbcontrol.Control
	coordinator dbcontrol.Coordinator
	restoreCtx  *restorectx.Context

	hostname string

	cfg Config

	progress chan ProgressEvent
}

// New builds a Manager. coordinator and restoreCtx may be nil: a nil
// coordinator disables CleanupReplicaMetadata calls, a nil restoreCtx
// disables restore resumption (every part is treated as not yet
// restored).
func New(ld *layout.Layout, control dbcontrol.Control, coordinator dbcontrol.Coordinator, restoreCtx *restorectx.Context, hostname string, cfg Config) *Manager {
	return &Manager{
		layout:      ld,
		control:     control,
		coordinator: coordinator,
		restoreCtx:  restoreCtx,
		hostname:    hostname,
		cfg:         cfg,
		progress:    make(chan ProgressEvent, 64),
	}
}

// Progress returns the channel of per-part completion events emitted
// during Backup. The manager is the sole producer; Backup never blocks on
// it: once its 64-event buffer is full, each new event discards the
// oldest undelivered one.
func (m *Manager) Progress() <-chan ProgressEvent {
	return m.progress
}

// Layout returns the remote layout backing this Manager, used by
// read-only reporting commands (list, show) that don't go through
// Backup/Restore/Delete/Purge.
func (m *Manager) Layout() *layout.Layout {
	return m.layout
}

// lockChain builds the acquire/release chain for one operation from the
// optional local and distributed lockers, skipping whichever is nil.
func lockChain(local, distributed lock.Locker) *lock.Chain {
	return lock.NewChain(local, distributed)
}

// observeOperation records the RED metrics (operation count by outcome,
// duration) for one top-level Backup/Restore/Delete/Purge invocation.
// Called via defer with outcome resolved from a named return, e.g.
// defer func() { observeOperation("backup", start, backupOutcome(skipped, err)) }().
func observeOperation(op string, start time.Time, outcome string) {
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
