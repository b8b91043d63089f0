package record

// Record is the persisted sync envelope around one domain entity.
//
// The domain payload stays opaque JSON; the surrounding columns carry the
// metadata the sync engine needs to order, push, and reconcile it.
type Record struct {
	EntityType         string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID           string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	ParentsJSON        string `gorm:"column:parents_json;type:text;not null;default:''"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	SyncState          string `gorm:"column:sync_state;size:32;not null;index:idx_records_state"`
	LastSyncedRevision int64  `gorm:"column:last_synced_revision;not null;default:0"`
	LastError          string `gorm:"column:last_error;type:text;not null;default:''"`
	Tombstone          bool   `gorm:"column:tombstone;not null;default:false"`
	ConflictSnapshot   string `gorm:"column:conflict_snapshot;type:text;not null;default:''"`
	ConflictRevision   int64  `gorm:"column:conflict_revision;not null;default:0"`
	ConflictDeleted    bool   `gorm:"column:conflict_deleted;not null;default:false"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_records"
}

// MutationStatus separates retryable entries from terminally failed ones.
type MutationStatus string

const (
	MutationStatusPending MutationStatus = "pending"
	MutationStatusFailed  MutationStatus = "failed"
)

// Mutation is one durable outbox entry. MutationID doubles as the
// idempotency key sent to the remote authority.
type Mutation struct {
	MutationID            string `gorm:"column:mutation_id;primaryKey;size:190;not null"`
	EntityType            string `gorm:"column:entity_type;size:64;not null;uniqueIndex:idx_outbox_entity,priority:1"`
	EntityID              string `gorm:"column:entity_id;size:190;not null;uniqueIndex:idx_outbox_entity,priority:2"`
	Operation             string `gorm:"column:op;size:16;not null"`
	PayloadJSON           string `gorm:"column:payload_json;type:text;not null"`
	Priority              int    `gorm:"column:priority;not null;index:idx_outbox_order,priority:1"`
	LocalSeq              int64  `gorm:"column:local_seq;not null;index:idx_outbox_order,priority:2"`
	Status                string `gorm:"column:status;size:16;not null;default:'pending'"`
	Paused                bool   `gorm:"column:paused;not null;default:false"`
	Attempts              int    `gorm:"column:attempts;not null;default:0"`
	LastError             string `gorm:"column:last_error;type:text;not null;default:''"`
	EnqueuedAtSeconds     int64  `gorm:"column:enqueued_at_s;not null"`
	LastAttemptAtSeconds  int64  `gorm:"column:last_attempt_at_s;not null;default:0"`
	NextEligibleAtSeconds int64  `gorm:"column:next_eligible_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Mutation) TableName() string {
	return "sync_outbox"
}

// UploadState tracks attachment transfer progress.
type UploadState string

const (
	UploadStatePending  UploadState = "pending"
	UploadStateUploaded UploadState = "uploaded"
	UploadStateFailed   UploadState = "failed"
)

// Attachment indexes one content-addressed binary blob owned by a record.
type Attachment struct {
	ContentHash           string `gorm:"column:content_hash;primaryKey;size:64;not null"`
	OwnerType             string `gorm:"column:owner_type;size:64;not null;index:idx_attachments_owner,priority:1"`
	OwnerID               string `gorm:"column:owner_id;size:190;not null;index:idx_attachments_owner,priority:2"`
	LocalPath             string `gorm:"column:local_path;type:text;not null"`
	SizeBytes             int64  `gorm:"column:size_bytes;not null"`
	UploadState           string `gorm:"column:upload_state;size:16;not null;default:'pending'"`
	Attempts              int    `gorm:"column:attempts;not null;default:0"`
	LastError             string `gorm:"column:last_error;type:text;not null;default:''"`
	NextEligibleAtSeconds int64  `gorm:"column:next_eligible_at_s;not null;default:0"`
	CreatedAtSeconds      int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "sync_attachments"
}

// SyncCheckpoint is the single-row cursor into the remote change stream.
type SyncCheckpoint struct {
	ID               int   `gorm:"column:id;primaryKey"`
	Cursor           int64 `gorm:"column:cursor;not null;default:0"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCheckpoint) TableName() string {
	return "sync_checkpoint"
}

// ConflictDecision is the audit trail of explicit conflict resolutions.
type ConflictDecision struct {
	DecisionID       string `gorm:"column:decision_id;primaryKey;size:190;not null"`
	EntityType       string `gorm:"column:entity_type;size:64;not null;index:idx_decisions_entity,priority:1"`
	EntityID         string `gorm:"column:entity_id;size:190;not null;index:idx_decisions_entity,priority:2"`
	Choice           string `gorm:"column:choice;size:32;not null"`
	LocalPayloadJSON string `gorm:"column:local_payload_json;type:text;not null"`
	ServerSnapshot   string `gorm:"column:server_snapshot;type:text;not null"`
	LocalRevision    int64  `gorm:"column:local_revision;not null"`
	ServerRevision   int64  `gorm:"column:server_revision;not null"`
	DecidedAtSeconds int64  `gorm:"column:decided_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictDecision) TableName() string {
	return "conflict_decisions"
}

// Counter backs the monotonic local sequence used to tiebreak outbox order.
type Counter struct {
	Name  string `gorm:"column:name;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "sync_counters"
}

// CounterLocalSeq names the counter row feeding Mutation.LocalSeq.
const CounterLocalSeq = "outbox_local_seq"
