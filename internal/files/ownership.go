package files

// Ownership records whether a file, part or queue entry belongs to a file group.
// The zero value is Ungrouped.
type Ownership struct {
	fileGroupUUID string
}

// Grouped returns the ownership of a member of the given file group.
func Grouped(fileGroupUUID FileGroupUUID) Ownership {
	return Ownership{fileGroupUUID: fileGroupUUID.String()}
}

// Ungrouped returns the ownership of a single file that has no file group.
func Ungrouped() Ownership {
	return Ownership{}
}

// OwnershipFromColumn decodes the nullable file_group_uuid column.
func OwnershipFromColumn(value *string) Ownership {
	if value == nil || *value == "" {
		return Ungrouped()
	}
	return Ownership{fileGroupUUID: *value}
}

// IsGrouped reports whether the ownership names a file group.
func (o Ownership) IsGrouped() bool {
	return o.fileGroupUUID != ""
}

// FileGroupUUID returns the file group and whether there is one.
func (o Ownership) FileGroupUUID() (string, bool) {
	return o.fileGroupUUID, o.fileGroupUUID != ""
}

// Column encodes the ownership for the nullable file_group_uuid column.
func (o Ownership) Column() *string {
	if o.fileGroupUUID == "" {
		return nil
	}
	value := o.fileGroupUUID
	return &value
}

// Equal compares two ownership values.
func (o Ownership) Equal(other Ownership) bool {
	return o.fileGroupUUID == other.fileGroupUUID
}

func (o Ownership) String() string {
	if o.fileGroupUUID == "" {
		return "ungrouped"
	}
	return "group:" + o.fileGroupUUID
}
