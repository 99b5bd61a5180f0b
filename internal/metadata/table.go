package metadata

// TableMetadata describes one table's schema identity and the parts
// backed up for it.
type TableMetadata struct {
	Database string                  `json:"-"`
	Name     string                  `json:"-"`
	Engine   string                  `json:"engine"`
	UUID     string                  `json:"uuid,omitempty"`
	Parts    map[string]PartMetadata `json:"parts"`
}

// NewTableMetadata returns an empty TableMetadata for the given table.
func NewTableMetadata(database, name, engine, uuid string) *TableMetadata {
	return &TableMetadata{
		Database: database,
		Name:     name,
		Engine:   engine,
		UUID:     uuid,
		Parts:    make(map[string]PartMetadata),
	}
}

// AddPart records part in the table, keyed by part name.
func (t *TableMetadata) AddPart(part PartMetadata) {
	if t.Parts == nil {
		t.Parts = make(map[string]PartMetadata)
	}
	part.Database = t.Database
	part.Table = t.Name
	t.Parts[part.Name] = part
}

// DatabaseMetadata groups the tables backed up for one database.
type DatabaseMetadata struct {
	Engine       string                    `json:"engine"`
	MetadataPath string                    `json:"metadata_path"`
	Tables       map[string]*TableMetadata `json:"tables"`
}

// NewDatabaseMetadata returns an empty DatabaseMetadata.
func NewDatabaseMetadata(engine, metadataPath string) *DatabaseMetadata {
	return &DatabaseMetadata{
		Engine:       engine,
		MetadataPath: metadataPath,
		Tables:       make(map[string]*TableMetadata),
	}
}
