package metadata

// DedupPartInfo is one entry in the deduplication index: enough
// information to decide whether a candidate part can link to this one
// without re-reading its bytes, and where those bytes actually live.
type DedupPartInfo struct {
	BackupPath string   `json:"backup_path"`
	Checksum   string   `json:"checksum"`
	Size       int64    `json:"size"`
	Files      []string `json:"files"`
	Tarball    bool     `json:"tarball"`
	DiskName   string   `json:"disk_name"`

	// Verified records whether this entry's files are taken as present in
	// storage without a further check (true) or must be confirmed with
	// CheckDataPart before a part links to them (false). CollectDedupInfo
	// sets it for entries copied from a candidate part that itself links
	// to the owning backup; DeduplicatePart sets it after the first check
	// that finds the files, so later reuses skip the check.
	Verified bool `json:"verified"`
}

// DedupInfo is database -> table -> part name -> dedup candidate,
// restricted to parts from backups within the configured age limit.
type DedupInfo map[string]map[string]map[string]DedupPartInfo

// Lookup returns the dedup candidate for (database, table, part), and
// whether one exists.
func (d DedupInfo) Lookup(database, table, part string) (DedupPartInfo, bool) {
	tables, ok := d[database]
	if !ok {
		return DedupPartInfo{}, false
	}
	parts, ok := tables[table]
	if !ok {
		return DedupPartInfo{}, false
	}
	info, ok := parts[part]
	return info, ok
}

// Set records info as the dedup candidate for (database, table, part),
// replacing any existing candidate so that the most recently observed
// backup always wins ties.
func (d DedupInfo) Set(database, table, part string, info DedupPartInfo) {
	tables, ok := d[database]
	if !ok {
		tables = make(map[string]map[string]DedupPartInfo)
		d[database] = tables
	}
	parts, ok := tables[table]
	if !ok {
		parts = make(map[string]DedupPartInfo)
		tables[table] = parts
	}
	parts[part] = info
}
