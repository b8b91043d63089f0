package record

import (
	"errors"
	"fmt"
	"strings"
)

// SyncState tracks where a record sits in its synchronization lifecycle.
type SyncState string

const (
	// SyncStateLocal marks a record created on-device and not yet queued.
	SyncStateLocal SyncState = "local"
	// SyncStatePending marks a record with an outstanding outbox mutation.
	SyncStatePending SyncState = "pending"
	// SyncStateSynced marks a record acknowledged by the remote authority.
	SyncStateSynced SyncState = "synced"
	// SyncStateConflicted marks a record awaiting an explicit conflict decision.
	SyncStateConflicted SyncState = "conflicted"
	// SyncStateFailed marks a record whose mutation was rejected or exhausted retries.
	SyncStateFailed SyncState = "failed"
)

// Operation enumerates outbox mutation verbs.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// EntityType identifies a synchronized domain entity kind.
type EntityType string

const (
	EntityTypePickupRequest   EntityType = "pickup_request"
	EntityTypePickupItem      EntityType = "pickup_item"
	EntityTypeItemCondition   EntityType = "item_condition"
	EntityTypeWarehouseItem   EntityType = "warehouse_item"
	EntityTypeItemAllocation  EntityType = "item_allocation"
	EntityTypeItemBatch       EntityType = "item_batch"
	EntityTypeLoadingManifest EntityType = "loading_manifest"
	EntityTypeLoadingItem     EntityType = "loading_item"
	EntityTypeGPSPoint        EntityType = "gps_point"
	EntityTypeSignature       EntityType = "signature"
	EntityTypePhoto           EntityType = "photo"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityType indicates an entity type outside the synchronized set.
	ErrInvalidEntityType = errors.New("record: invalid entity type")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("record: invalid entity id")
	// ErrInvalidParent indicates a parent reference not allowed for the entity type.
	ErrInvalidParent = errors.New("record: invalid parent reference")
)

// allowedParents maps each entity type to the parent types that may gate its sync order.
var allowedParents = map[EntityType][]EntityType{
	EntityTypePickupRequest:   nil,
	EntityTypePickupItem:      {EntityTypePickupRequest},
	EntityTypeItemCondition:   {EntityTypePickupItem},
	EntityTypeWarehouseItem:   nil,
	EntityTypeItemAllocation:  {EntityTypeWarehouseItem},
	EntityTypeItemBatch:       {EntityTypeWarehouseItem},
	EntityTypeLoadingManifest: nil,
	EntityTypeLoadingItem:     {EntityTypeLoadingManifest, EntityTypeWarehouseItem},
	EntityTypeGPSPoint:        {EntityTypePickupRequest},
	EntityTypeSignature:       {EntityTypePickupRequest},
	EntityTypePhoto:           {EntityTypePickupRequest},
}

// defaultPriorities orders outbox drains; lower values transmit first.
var defaultPriorities = map[EntityType]int{
	EntityTypePickupRequest:   10,
	EntityTypePickupItem:      20,
	EntityTypeItemCondition:   30,
	EntityTypeWarehouseItem:   10,
	EntityTypeItemAllocation:  20,
	EntityTypeItemBatch:       20,
	EntityTypeLoadingManifest: 10,
	EntityTypeLoadingItem:     20,
	EntityTypeSignature:       40,
	EntityTypePhoto:           50,
	EntityTypeGPSPoint:        90,
}

// NewEntityType validates raw input and returns an EntityType.
func NewEntityType(rawInput string) (EntityType, error) {
	trimmed := EntityType(strings.TrimSpace(rawInput))
	if _, ok := allowedParents[trimmed]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, rawInput)
	}
	return trimmed, nil
}

// String returns the underlying string identifier.
func (t EntityType) String() string {
	return string(t)
}

// DefaultPriority returns the outbox priority used when the caller supplies none.
func (t EntityType) DefaultPriority() int {
	if priority, ok := defaultPriorities[t]; ok {
		return priority
	}
	return 50
}

// AllowsParent reports whether parent is an accepted parent type for t.
func (t EntityType) AllowsParent(parent EntityType) bool {
	for _, allowed := range allowedParents[t] {
		if allowed == parent {
			return true
		}
	}
	return false
}

// EntityID represents a validated client-generated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// ParentRef points at the record whose sync must complete first.
type ParentRef struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   EntityID   `json:"entity_id"`
}

// ValidateParents checks every parent reference against the registry for entityType.
func ValidateParents(entityType EntityType, parents []ParentRef) error {
	for _, parent := range parents {
		if !entityType.AllowsParent(parent.EntityType) {
			return fmt.Errorf("%w: %s cannot depend on %s", ErrInvalidParent, entityType, parent.EntityType)
		}
		if strings.TrimSpace(parent.EntityID.String()) == "" {
			return fmt.Errorf("%w: empty parent id for %s", ErrInvalidParent, parent.EntityType)
		}
	}
	return nil
}
