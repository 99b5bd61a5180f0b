package manager

import (
	"regexp"
	"strings"
)

// isMergeTree reports whether engine is some variant of the MergeTree
// family (the only family that actually carries on-disk parts).
func isMergeTree(engine string) bool {
	return strings.Contains(engine, "MergeTree")
}

// isReplicated reports whether engine replicates its parts through the
// coordination service, and so needs CleanupReplicaMetadata on drop.
func isReplicated(engine string) bool {
	return strings.Contains(engine, "Replicated")
}

// isDistributed reports whether engine is the sharding-fanout Distributed
// engine, which owns no local parts and must be created last.
func isDistributed(engine string) bool {
	return engine == "Distributed"
}

// isView reports whether engine is a view of either kind.
func isView(engine string) bool {
	return engine == "View" || engine == "MaterializedView"
}

// isMaterializedView narrows isView to the kind that also stores data in
// an inner table.
func isMaterializedView(engine string) bool {
	return engine == "MaterializedView"
}

// isExternalDBEngine reports whether dbEngine proxies another database
// server rather than storing its own schema. Nothing in this package
// calls it, so Backup treats such databases like any other.
func isExternalDBEngine(dbEngine string) bool {
	switch dbEngine {
	case "MySQL", "MaterializedMySQL", "PostgreSQL", "MaterializedPostgreSQL":
		return true
	default:
		return false
	}
}

// isAtomicDBEngine reports whether dbEngine is the Atomic engine, the
// only one that assigns tables a stable UUID independent of name.
func isAtomicDBEngine(dbEngine string) bool {
	return dbEngine == "Atomic"
}

var createStatementPrefix = regexp.MustCompile(`(?i)^CREATE\b`)

// toAttachQuery rewrites a CREATE statement into the equivalent ATTACH
// statement, used to restore a table by re-pointing at data already
// placed on disk instead of recreating it from scratch.
func toAttachQuery(createQuery string) string {
	return createStatementPrefix.ReplaceAllString(createQuery, "ATTACH")
}

var (
	replicatedEngineArgs = regexp.MustCompile(`(?i)Replicated(\w*MergeTree)\(\s*('(?:[^'\\]|\\.)*'\s*,\s*'(?:[^'\\]|\\.)*')\s*,?\s*`)
	replicatedEnginePlain = regexp.MustCompile(`(?i)Replicated(\w*MergeTree)`)
	replicaNameInCtor     = regexp.MustCompile(`(?i)(Replicated\w*MergeTree\(\s*'(?:[^'\\]|\\.)*'\s*,\s*)'(?:[^'\\]|\\.)*'(\s*\))`)
)

// rewriteTableSchema rewrites a table's CREATE statement for restore:
// optionally stripping the Replicated prefix and its
// ZooKeeper-path/replica-name constructor arguments, and optionally
// substituting a different replica name into a kept Replicated engine.
func rewriteTableSchema(createQuery string, forceNonReplicatedEngine bool, overrideReplicaName string) string {
	out := createQuery
	if forceNonReplicatedEngine {
		out = replicatedEngineArgs.ReplaceAllString(out, "$1(")
		out = replicatedEnginePlain.ReplaceAllString(out, "$1")
	} else if overrideReplicaName != "" {
		out = replicaNameInCtor.ReplaceAllString(out, "${1}'"+overrideReplicaName+"'${2}")
	}
	return out
}

// rewriteDatabaseSchema applies rewriteTableSchema's rewrite to a CREATE
// DATABASE statement. Its patterns only match Replicated*MergeTree
// engine names, so a database declared with ENGINE = Replicated(...) is
// returned unchanged.
func rewriteDatabaseSchema(createQuery string, forceNonReplicated bool, overrideReplicaName string) string {
	if !forceNonReplicated && overrideReplicaName == "" {
		return createQuery
	}
	return rewriteTableSchema(createQuery, forceNonReplicated, overrideReplicaName)
}

// hasEmbeddedMetadata reports whether db is one of the databases whose
// schema ClickHouse creates implicitly, and which must never be
// backed up or recreated during restore.
func hasEmbeddedMetadata(db string) bool {
	switch db {
	case "default", "system", "_temporary_and_external_tables", "information_schema", "INFORMATION_SCHEMA":
		return true
	default:
		return false
	}
}
