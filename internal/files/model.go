package files

// UploadState enumerates what a staged Upload row carries.
type UploadState string

const (
	// UploadStateV0 is a whole initial file already written to cloud storage.
	UploadStateV0 UploadState = "v0-full-file"
	// UploadStateVN is a delta waiting to be merged by a change resolver.
	UploadStateVN UploadState = "vN-delta"
	// UploadStateDelete names a single ungrouped file queued for deletion.
	UploadStateDelete UploadState = "delete"
)

// DeferredStatus enumerates the lifecycle of a DeferredUpload.
type DeferredStatus string

const (
	DeferredStatusPendingChange   DeferredStatus = "pendingChange"
	DeferredStatusPendingDeletion DeferredStatus = "pendingDeletion"
	DeferredStatusCompleted       DeferredStatus = "completed"
	DeferredStatusError           DeferredStatus = "error"
)

// Pending reports whether the worker still owes work for this status.
func (s DeferredStatus) Pending() bool {
	return s == DeferredStatusPendingChange || s == DeferredStatusPendingDeletion
}

// FileIndex is the authoritative current state of one file.
type FileIndex struct {
	FileIndexID          int64   `gorm:"column:file_index_id;primaryKey;autoIncrement"`
	FileUUID             string  `gorm:"column:file_uuid;size:36;not null;uniqueIndex:idx_file_index_file"`
	FileGroupUUID        *string `gorm:"column:file_group_uuid;size:36;index;uniqueIndex:idx_file_index_group_label,priority:1"`
	FileLabel            string  `gorm:"column:file_label;size:190;not null;uniqueIndex:idx_file_index_group_label,priority:2"`
	SharingGroupUUID     string  `gorm:"column:sharing_group_uuid;size:36;not null;index"`
	UserID               string  `gorm:"column:user_id;size:190;not null"`
	DeviceUUID           string  `gorm:"column:device_uuid;size:36;not null"`
	ObjectType           string  `gorm:"column:object_type;size:190"`
	MimeType             string  `gorm:"column:mime_type;size:190;not null"`
	ChangeResolverName   *string `gorm:"column:change_resolver_name;size:190"`
	AppMetaData          string  `gorm:"column:app_meta_data;type:text"`
	LastUploadedCheckSum string  `gorm:"column:last_uploaded_check_sum;size:190;not null"`
	FileVersion          int64   `gorm:"column:file_version;not null"`
	Deleted              bool    `gorm:"column:deleted;not null;default:false"`
	CreatedAtSeconds     int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds     int64   `gorm:"column:updated_at_s;not null"`
}

func (FileIndex) TableName() string {
	return "file_index"
}

// Ownership returns the grouping state of the file.
func (f FileIndex) Ownership() Ownership {
	return OwnershipFromColumn(f.FileGroupUUID)
}

// Mutable reports whether the file accepts deltas after v0.
func (f FileIndex) Mutable() bool {
	return f.ChangeResolverName != nil && *f.ChangeResolverName != ""
}

// FileGroup groups files that share an owner and a sharing group.
type FileGroup struct {
	FileGroupUUID    string `gorm:"column:file_group_uuid;primaryKey;size:36"`
	ObjectType       string `gorm:"column:object_type;size:190"`
	SharingGroupUUID string `gorm:"column:sharing_group_uuid;size:36;not null;index"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	OwningUserID     string `gorm:"column:owning_user_id;size:190;not null"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (FileGroup) TableName() string {
	return "file_groups"
}

// Upload stages one part of an in-flight batch.
type Upload struct {
	UploadID             int64       `gorm:"column:upload_id;primaryKey;autoIncrement"`
	FileUUID             string      `gorm:"column:file_uuid;size:36;not null;uniqueIndex:idx_upload_part,priority:1"`
	UserID               string      `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_upload_part,priority:2;index:idx_upload_batch,priority:1"`
	DeviceUUID           string      `gorm:"column:device_uuid;size:36;not null;uniqueIndex:idx_upload_part,priority:3;index:idx_upload_batch,priority:3"`
	BatchUUID            string      `gorm:"column:batch_uuid;size:36;not null;uniqueIndex:idx_upload_part,priority:4;index:idx_upload_batch,priority:2"`
	SharingGroupUUID     string      `gorm:"column:sharing_group_uuid;size:36;not null"`
	FileGroupUUID        *string     `gorm:"column:file_group_uuid;size:36;uniqueIndex:idx_upload_group_label,priority:1"`
	FileLabel            *string     `gorm:"column:file_label;size:190;uniqueIndex:idx_upload_group_label,priority:2"`
	ObjectType           string      `gorm:"column:object_type;size:190"`
	MimeType             string      `gorm:"column:mime_type;size:190"`
	ChangeResolverName   *string     `gorm:"column:change_resolver_name;size:190"`
	AppMetaData          string      `gorm:"column:app_meta_data;type:text"`
	State                UploadState `gorm:"column:state;size:32;not null"`
	UploadIndex          int32       `gorm:"column:upload_index;not null"`
	UploadCount          int32       `gorm:"column:upload_count;not null"`
	UploadContents       []byte      `gorm:"column:upload_contents"`
	LastUploadedCheckSum string      `gorm:"column:last_uploaded_check_sum;size:190"`
	InformAllButSelf     bool        `gorm:"column:inform_all_but_self;not null;default:false"`
	DeferredUploadID     *int64      `gorm:"column:deferred_upload_id;index"`
	BatchExpirySeconds   int64       `gorm:"column:batch_expiry_s;not null;index"`
	CreatedAtSeconds     int64       `gorm:"column:created_at_s;not null"`
}

func (Upload) TableName() string {
	return "uploads"
}

// Ownership returns the grouping state of the staged part.
func (u Upload) Ownership() Ownership {
	return OwnershipFromColumn(u.FileGroupUUID)
}

// Claimed reports whether the part has been handed to a DeferredUpload.
func (u Upload) Claimed() bool {
	return u.DeferredUploadID != nil
}

// DeferredUpload is one unit of queued asynchronous work.
type DeferredUpload struct {
	DeferredUploadID   int64          `gorm:"column:deferred_upload_id;primaryKey;autoIncrement"`
	Status             DeferredStatus `gorm:"column:status;size:32;not null;index"`
	FileGroupUUID      *string        `gorm:"column:file_group_uuid;size:36;index"`
	SharingGroupUUID   string         `gorm:"column:sharing_group_uuid;size:36;not null"`
	UserID             string         `gorm:"column:user_id;size:190;not null;index"`
	BatchUUID          *string        `gorm:"column:batch_uuid;size:36;index"`
	ErrorMessage       string         `gorm:"column:error_message;type:text"`
	CreatedAtSeconds   int64          `gorm:"column:created_at_s;not null"`
	CompletedAtSeconds *int64         `gorm:"column:completed_at_s"`
}

func (DeferredUpload) TableName() string {
	return "deferred_uploads"
}

// Ownership returns the grouping state of the queued work.
func (d DeferredUpload) Ownership() Ownership {
	return OwnershipFromColumn(d.FileGroupUUID)
}

// StaleVersion retains a superseded file version until its expiry.
type StaleVersion struct {
	StaleVersionID   int64  `gorm:"column:stale_version_id;primaryKey;autoIncrement"`
	FileIndexID      int64  `gorm:"column:file_index_id;not null;index"`
	FileUUID         string `gorm:"column:file_uuid;size:36;not null;uniqueIndex:idx_stale_file_version,priority:1"`
	FileVersion      int64  `gorm:"column:file_version;not null;uniqueIndex:idx_stale_file_version,priority:2"`
	SharingGroupUUID string `gorm:"column:sharing_group_uuid;size:36;not null"`
	DeviceUUID       string `gorm:"column:device_uuid;size:36;not null"`
	ExpirySeconds    int64  `gorm:"column:expiry_s;not null;index"`
}

func (StaleVersion) TableName() string {
	return "stale_versions"
}

// FileIndexClientUI asks every member except one user to surface a file version.
type FileIndexClientUI struct {
	FileIndexClientUIID int64  `gorm:"column:file_index_client_ui_id;primaryKey;autoIncrement"`
	FileUUID            string `gorm:"column:file_uuid;size:36;not null;uniqueIndex:idx_client_ui_version,priority:1"`
	FileVersion         int64  `gorm:"column:file_version;not null;uniqueIndex:idx_client_ui_version,priority:2"`
	SharingGroupUUID    string `gorm:"column:sharing_group_uuid;size:36;not null;index"`
	InformAllButUserID  string `gorm:"column:inform_all_but_user_id;size:190;not null"`
	ExpirySeconds       int64  `gorm:"column:expiry_s;not null;index"`
}

func (FileIndexClientUI) TableName() string {
	return "file_index_client_ui"
}

// UploaderLease is the single database row that serializes Uploader runs across processes.
type UploaderLease struct {
	Name              string `gorm:"column:name;primaryKey;size:64"`
	Holder            string `gorm:"column:holder;size:190;not null;default:''"`
	ExpiresAtMillis   int64  `gorm:"column:expires_at_ms;not null;default:0"`
	AcquiredAtSeconds int64  `gorm:"column:acquired_at_s;not null;default:0"`
}

func (UploaderLease) TableName() string {
	return "uploader_leases"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{
		&FileGroup{},
		&FileIndex{},
		&Upload{},
		&DeferredUpload{},
		&StaleVersion{},
		&FileIndexClientUI{},
		&UploaderLease{},
	}
}
