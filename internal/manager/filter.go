package manager

import (
	"path"
	"strings"
)

// RestoreFilter selects which database.table pairs a restore actually
// applies to, supporting glob-style patterns, so a caller can restore a
// small slice of a large backup without restoring everything.
type RestoreFilter struct {
	// Patterns are "database.table_or_glob" entries; a glob containing
	// '*' is matched with path.Match semantics, otherwise compared for
	// exact equality.
	Patterns []string
	// Invert reverses the meaning of a match: a filter with Invert=true
	// excludes everything matching Patterns and accepts everything else,
	// matching the original's "exclude-tables" mode.
	Invert bool
}

// IsEmpty reports whether the filter has no patterns at all, in which
// case every table is accepted regardless of Invert.
func (f RestoreFilter) IsEmpty() bool {
	return len(f.Patterns) == 0
}

// Accept reports whether database.table should be restored.
func (f RestoreFilter) Accept(database, table string) bool {
	if f.IsEmpty() {
		return true
	}
	for _, pattern := range f.Patterns {
		db, tablePattern, ok := strings.Cut(pattern, ".")
		if !ok || db != database {
			continue
		}
		if patternMatches(tablePattern, table) {
			return !f.Invert
		}
	}
	return f.Invert
}

// MayContainDatabase reports whether database could hold any table this
// filter accepts, used to skip a whole database's enumeration early.
func (f RestoreFilter) MayContainDatabase(database string) bool {
	if f.IsEmpty() || f.Invert {
		return true
	}
	for _, pattern := range f.Patterns {
		db, _, ok := strings.Cut(pattern, ".")
		if ok && db == database {
			return true
		}
	}
	return false
}

func patternMatches(pattern, table string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == table
	}
	matched, err := path.Match(pattern, table)
	return err == nil && matched
}
