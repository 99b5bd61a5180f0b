package metadata

// AccessControlObject names one exported access-control entity (a user,
// role, quota, row policy, or settings profile) by its opaque object id.
type AccessControlObject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Type is a short tag identifying the kind of object (e.g. "user",
	// "role", "quota"); used to pick the restore order and target path.
	Type string `json:"type"`
}

// AccessControlMetadata records which access-control objects were backed
// up and how they are serialized in storage.
type AccessControlMetadata struct {
	Objects []string `json:"object_ids"`
	// Index maps an object id to its descriptor, avoiding repetition of
	// name/type across every object id entry.
	Index map[string]AccessControlObject `json:"index"`
	// StorageFormat records the on-disk representation version, so a
	// future reader can tell SQL-text vs. structured-object exports
	// apart.
	StorageFormat string `json:"storage_format"`
}

// legacyAccessControlMetadata is the flat variant some writers emit:
// "access_control_meta" with the object list inlined instead of split
// into Objects/Index. Readers must accept it; writers always emit the
// nested AccessControlMetadata shape.
type legacyAccessControlMetadata struct {
	AccessControlMeta []AccessControlObject `json:"access_control_meta"`
	StorageFormat     string                `json:"storage_format"`
}

func (l legacyAccessControlMetadata) toNested() AccessControlMetadata {
	nested := AccessControlMetadata{
		StorageFormat: l.StorageFormat,
		Index:         make(map[string]AccessControlObject, len(l.AccessControlMeta)),
	}
	for _, obj := range l.AccessControlMeta {
		nested.Objects = append(nested.Objects, obj.ID)
		nested.Index[obj.ID] = obj
	}
	return nested
}

// CloudStorageDisk describes one external-disk descriptor backed up
// alongside the regular part data.
type CloudStorageDisk struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Bucket   string `json:"bucket,omitempty"`
	Path     string `json:"path,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}
