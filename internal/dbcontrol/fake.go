package dbcontrol

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FakeControl is an in-memory Control implementation used by tests: it
// never talks to a real database, only tracks create/drop/freeze/attach
// calls against maps so tests can assert on the manager's orchestration
// logic in isolation.
type FakeControl struct {
	mu sync.Mutex

	DatabaseSchemas map[string]string // database -> CREATE DATABASE statement
	Tables          map[string]map[string]TableDescriptor
	TableSchemas    map[string]string // "db.table" -> CREATE TABLE statement
	DisksByName     map[string]Disk
	AccessObjects   []AccessControlObject
	UDFs            map[string]string
	VersionString   string

	FrozenParts map[string][]FrozenPart // backupName -> parts frozen under it
	Unfrozen    []string                // backup names that had UnfreezeAll called
	Attached    []string                // "db.table.part" attached
	Dropped     []string                // "db.table" dropped
	Created     []string                // CREATE statements issued
	Chowned     []string                // "db.table" chowned

	// DetachedRoot overrides the path prefix GetDetachedPartPath builds
	// under, defaulting to a real ClickHouse data directory. Tests that
	// actually exercise file restore need this pointed at a writable
	// temp directory.
	DetachedRoot string
}

// NewFakeControl returns an empty FakeControl.
func NewFakeControl() *FakeControl {
	return &FakeControl{
		DatabaseSchemas: make(map[string]string),
		Tables:          make(map[string]map[string]TableDescriptor),
		TableSchemas:    make(map[string]string),
		DisksByName:     make(map[string]Disk),
		UDFs:            make(map[string]string),
		FrozenParts:     make(map[string][]FrozenPart),
		VersionString:   "24.8.1.0",
	}
}

// AddTable registers a table under database so Databases/Tables/
// TableExists see it.
func (f *FakeControl) AddTable(database string, t TableDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Database = database
	if f.Tables[database] == nil {
		f.Tables[database] = make(map[string]TableDescriptor)
	}
	f.Tables[database][t.Name] = t
}

func (f *FakeControl) Databases(ctx context.Context, exclude []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}
	var out []string
	for db := range f.Tables {
		if !excluded[db] {
			out = append(out, db)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *FakeControl) Tables(ctx context.Context, database string, filter *TableFilter) ([]TableDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var include, exclude map[string]bool
	if filter != nil {
		include = toSet(filter.Include)
		exclude = toSet(filter.Exclude)
	}

	var out []TableDescriptor
	for name, t := range f.Tables[database] {
		if include != nil && !include[name] {
			continue
		}
		if exclude != nil && exclude[name] {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetadataModified < out[j].MetadataModified })
	return out, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func (f *FakeControl) TableExists(ctx context.Context, database, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Tables[database][table]
	return ok, nil
}

func (f *FakeControl) GetDatabaseSchema(ctx context.Context, database string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DatabaseSchemas[database], nil
}

func (f *FakeControl) GetTableSchema(ctx context.Context, database, table string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TableSchemas[database+"."+table], nil
}

func (f *FakeControl) FreezeTable(ctx context.Context, backupName, database, table string) ([]FrozenPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.FrozenParts[backupName]
	var matched []FrozenPart
	for _, p := range parts {
		if p.Database == database && p.Table == table {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func (f *FakeControl) UnfreezeAll(ctx context.Context, backupName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unfrozen = append(f.Unfrozen, backupName)
	return nil
}

func (f *FakeControl) Disks(ctx context.Context) (map[string]Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Disk, len(f.DisksByName))
	for k, v := range f.DisksByName {
		out[k] = v
	}
	return out, nil
}

func (f *FakeControl) GetDetachedPartPath(ctx context.Context, database, table, disk, partName string) (string, error) {
	root := f.DetachedRoot
	if root == "" {
		root = "/var/lib/clickhouse/data"
	}
	return fmt.Sprintf("%s/%s/%s/detached/%s", root, database, table, partName), nil
}

func (f *FakeControl) AttachPart(ctx context.Context, database, table, partName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Attached = append(f.Attached, database+"."+table+"."+partName)
	return nil
}

func (f *FakeControl) CreateTable(ctx context.Context, stmt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, stmt)
	return nil
}

func (f *FakeControl) DropTableIfExists(ctx context.Context, database, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dropped = append(f.Dropped, database+"."+table)
	delete(f.Tables[database], table)
	return nil
}

func (f *FakeControl) RestoreReplica(ctx context.Context, database, table string) error {
	return nil
}

func (f *FakeControl) ChownDetachedParts(ctx context.Context, database, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Chowned = append(f.Chowned, database+"."+table)
	return nil
}

func (f *FakeControl) AccessControlObjects(ctx context.Context) ([]AccessControlObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AccessObjects, nil
}

func (f *FakeControl) RestoreAccessControlObject(ctx context.Context, obj AccessControlObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.AccessObjects {
		if existing.ID == obj.ID {
			f.AccessObjects[i] = obj
			return nil
		}
	}
	f.AccessObjects = append(f.AccessObjects, obj)
	return nil
}

func (f *FakeControl) UDFDefinitions(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.UDFs))
	for k, v := range f.UDFs {
		out[k] = v
	}
	return out, nil
}

func (f *FakeControl) DropUDFIfExists(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.UDFs, name)
	return nil
}

func (f *FakeControl) RestoreUDF(ctx context.Context, name, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UDFs == nil {
		f.UDFs = make(map[string]string)
	}
	f.UDFs[name] = sql
	return nil
}

func (f *FakeControl) Version(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.VersionString, nil
}

var _ Control = (*FakeControl)(nil)
