package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opStoreNew     = "store.new"
	opStorePut     = "store.put"
	opStoreGet     = "store.get"
	opStoreQuery   = "store.query"
	opStoreDelete  = "store.delete"
	opStorePending = "store.pending_count"
)

// Config wires the Store's collaborators.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider record.IDProvider
	Logger     *zap.Logger
}

// Store is the single on-device serialization point. Every mutating operation
// runs under one mutex-guarded transaction that covers the record, its outbox
// entry, and any attachment index update together.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    record.IDProvider
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		logger: logger,
	}, nil
}

// Write executes fn inside the store's serialized transaction boundary.
// Outbox acknowledgements and conflict merges go through here so that every
// local write shares the same single-writer discipline.
func (s *Store) Write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

// DB exposes the handle for read-only queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store's clock reading, shared with dependent components.
func (s *Store) Now() time.Time {
	return s.clock()
}

// NewID issues an identifier from the configured provider.
func (s *Store) NewID() (string, error) {
	return s.ids.NewID()
}

// PutInput describes one domain-level write.
type PutInput struct {
	EntityType  record.EntityType
	EntityID    record.EntityID
	Parents     []record.ParentRef
	PayloadJSON string
	// Priority overrides the entity type default when non-nil; lower is more urgent.
	Priority *int
}

// Put upserts the record and appends or coalesces its outbox mutation in one
// transaction. Later edits to a still-pending entity fold into the queued
// payload instead of producing a second entry.
func (s *Store) Put(ctx context.Context, input PutInput) error {
	if _, err := record.NewEntityType(input.EntityType.String()); err != nil {
		return newStoreError(opStorePut, "invalid_entity_type", err)
	}
	if _, err := record.NewEntityID(input.EntityID.String()); err != nil {
		return newStoreError(opStorePut, "invalid_entity_id", err)
	}
	if err := record.ValidateParents(input.EntityType, input.Parents); err != nil {
		return newStoreError(opStorePut, "invalid_parents", err)
	}

	parentsJSON := ""
	if len(input.Parents) > 0 {
		encoded, err := json.Marshal(input.Parents)
		if err != nil {
			return newStoreError(opStorePut, "parents_encode_failed", err)
		}
		parentsJSON = string(encoded)
	}

	priority := input.EntityType.DefaultPriority()
	if input.Priority != nil {
		priority = *input.Priority
	}

	err := s.Write(ctx, func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()

		existing, err := loadRecord(tx, input.EntityType, input.EntityID)
		if err != nil {
			return newStoreError(opStorePut, "record_select_failed", err)
		}
		pending, err := loadPendingMutation(tx, input.EntityType, input.EntityID)
		if err != nil {
			return newStoreError(opStorePut, "outbox_select_failed", err)
		}
		if pending != nil && pending.Operation == string(record.OperationDelete) {
			return newStoreError(opStorePut, "entity_deleted", ErrEntityDeleted)
		}
		if existing != nil && existing.Tombstone {
			return newStoreError(opStorePut, "entity_deleted", ErrEntityDeleted)
		}

		updated := record.Record{
			EntityType:       input.EntityType.String(),
			EntityID:         input.EntityID.String(),
			ParentsJSON:      parentsJSON,
			PayloadJSON:      input.PayloadJSON,
			SyncState:        string(record.SyncStatePending),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if existing != nil {
			updated.CreatedAtSeconds = existing.CreatedAtSeconds
			updated.LastSyncedRevision = existing.LastSyncedRevision
			updated.ConflictSnapshot = existing.ConflictSnapshot
			updated.ConflictRevision = existing.ConflictRevision
			updated.ConflictDeleted = existing.ConflictDeleted
			if existing.SyncState == string(record.SyncStateConflicted) {
				// Conflicted entities stay paused until an explicit decision;
				// the edit still lands in the held local payload.
				updated.SyncState = string(record.SyncStateConflicted)
			}
		}
		if err := tx.Save(&updated).Error; err != nil {
			return newStoreError(opStorePut, "record_save_failed", err)
		}

		if pending != nil {
			return s.replaceMutation(tx, *pending, pending.Operation, input.PayloadJSON, priority)
		}

		operation := record.OperationUpdate
		if existing == nil {
			operation = record.OperationCreate
		}
		return s.enqueueMutation(tx, updated, operation, input.PayloadJSON, priority, now)
	})
	if err != nil {
		s.logError(opStorePut, err,
			zap.String("entity_type", input.EntityType.String()),
			zap.String("entity_id", input.EntityID.String()))
	}
	return err
}

// Get returns the local record for the entity, including tombstoned ones that
// still await delete acknowledgement.
func (s *Store) Get(ctx context.Context, entityType record.EntityType, entityID record.EntityID) (record.Record, error) {
	var stored record.Record
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType.String(), entityID.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return record.Record{}, newStoreError(opStoreGet, "not_found", ErrRecordNotFound)
	}
	if err != nil {
		s.logError(opStoreGet, err, zap.String("entity_type", entityType.String()))
		return record.Record{}, newStoreError(opStoreGet, "query_failed", err)
	}
	return stored, nil
}

// Query returns records of one entity type matching the predicate. A nil
// predicate matches everything.
func (s *Store) Query(ctx context.Context, entityType record.EntityType, predicate func(record.Record) bool) ([]record.Record, error) {
	var rows []record.Record
	if err := s.db.WithContext(ctx).
		Where("entity_type = ?", entityType.String()).
		Order("updated_at_s DESC").
		Find(&rows).Error; err != nil {
		s.logError(opStoreQuery, err, zap.String("entity_type", entityType.String()))
		return nil, newStoreError(opStoreQuery, "query_failed", err)
	}
	if predicate == nil {
		return rows, nil
	}
	matched := rows[:0]
	for _, row := range rows {
		if predicate(row) {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

// Delete records a tombstone mutation for the entity. A delete of an entity
// whose create never left the device removes both the record and the queued
// create outright; the server never learned of either.
func (s *Store) Delete(ctx context.Context, entityType record.EntityType, entityID record.EntityID) error {
	err := s.Write(ctx, func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()

		existing, err := loadRecord(tx, entityType, entityID)
		if err != nil {
			return newStoreError(opStoreDelete, "record_select_failed", err)
		}
		if existing == nil {
			return newStoreError(opStoreDelete, "not_found", ErrRecordNotFound)
		}
		pending, err := loadPendingMutation(tx, entityType, entityID)
		if err != nil {
			return newStoreError(opStoreDelete, "outbox_select_failed", err)
		}

		if pending != nil && pending.Operation == string(record.OperationCreate) {
			if err := tx.Delete(pending).Error; err != nil {
				return newStoreError(opStoreDelete, "outbox_delete_failed", err)
			}
			if err := tx.Delete(existing).Error; err != nil {
				return newStoreError(opStoreDelete, "record_delete_failed", err)
			}
			return nil
		}

		existing.Tombstone = true
		existing.UpdatedAtSeconds = now
		if existing.SyncState != string(record.SyncStateConflicted) {
			existing.SyncState = string(record.SyncStatePending)
		}
		if err := tx.Save(existing).Error; err != nil {
			return newStoreError(opStoreDelete, "record_save_failed", err)
		}

		if pending != nil {
			return s.replaceMutation(tx, *pending, string(record.OperationDelete), "", pending.Priority)
		}
		return s.enqueueMutation(tx, *existing, record.OperationDelete, "", entityType.DefaultPriority(), now)
	})
	if err != nil {
		s.logError(opStoreDelete, err,
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", entityID.String()))
	}
	return err
}

// PendingCount reports how many outbox mutations still await acknowledgement.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&record.Mutation{}).
		Where("status = ?", string(record.MutationStatusPending)).
		Count(&count).Error; err != nil {
		s.logError(opStorePending, err)
		return 0, newStoreError(opStorePending, "count_failed", err)
	}
	return count, nil
}

// CountsByState summarizes records per sync state for the status surface.
func (s *Store) CountsByState(ctx context.Context) (map[record.SyncState]int64, error) {
	type stateCount struct {
		SyncState string
		Total     int64
	}
	var rows []stateCount
	if err := s.db.WithContext(ctx).
		Model(&record.Record{}).
		Select("sync_state, count(*) as total").
		Group("sync_state").
		Find(&rows).Error; err != nil {
		return nil, newStoreError(opStoreQuery, "count_failed", err)
	}
	counts := make(map[record.SyncState]int64, len(rows))
	for _, row := range rows {
		counts[record.SyncState(row.SyncState)] = row.Total
	}
	return counts, nil
}

func (s *Store) enqueueMutation(tx *gorm.DB, rec record.Record, operation record.Operation, payloadJSON string, priority int, now int64) error {
	mutationID, err := s.ids.NewID()
	if err != nil {
		return newStoreError(opStorePut, "id_generation_failed", err)
	}
	seq, err := NextLocalSeq(tx)
	if err != nil {
		return newStoreError(opStorePut, "sequence_failed", err)
	}
	mutation := record.Mutation{
		MutationID:        mutationID,
		EntityType:        rec.EntityType,
		EntityID:          rec.EntityID,
		Operation:         string(operation),
		PayloadJSON:       payloadJSON,
		Priority:          priority,
		LocalSeq:          seq,
		Status:            string(record.MutationStatusPending),
		EnqueuedAtSeconds: now,
	}
	if err := tx.Create(&mutation).Error; err != nil {
		return newStoreError(opStorePut, "outbox_insert_failed", err)
	}
	return nil
}

// replaceMutation supersedes a queued mutation under a fresh identifier. The
// old row's copy may already be in flight when the edit arrives; a new
// idempotency key turns the eventual acknowledgement of the superseded payload
// into a no-op instead of letting it drain the edit unsent.
func (s *Store) replaceMutation(tx *gorm.DB, old record.Mutation, operation string, payloadJSON string, priority int) error {
	mutationID, err := s.ids.NewID()
	if err != nil {
		return newStoreError(opStorePut, "id_generation_failed", err)
	}
	if err := tx.Delete(&old).Error; err != nil {
		return newStoreError(opStorePut, "outbox_delete_failed", err)
	}
	replacement := record.Mutation{
		MutationID:        mutationID,
		EntityType:        old.EntityType,
		EntityID:          old.EntityID,
		Operation:         operation,
		PayloadJSON:       payloadJSON,
		Priority:          priority,
		LocalSeq:          old.LocalSeq,
		Status:            string(record.MutationStatusPending),
		Paused:            old.Paused,
		EnqueuedAtSeconds: old.EnqueuedAtSeconds,
	}
	if err := tx.Create(&replacement).Error; err != nil {
		return newStoreError(opStorePut, "outbox_insert_failed", err)
	}
	return nil
}

func loadRecord(tx *gorm.DB, entityType record.EntityType, entityID record.EntityID) (*record.Record, error) {
	var stored record.Record
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType.String(), entityID.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func loadPendingMutation(tx *gorm.DB, entityType record.EntityType, entityID record.EntityID) (*record.Mutation, error) {
	var mutation record.Mutation
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType.String(), entityID.String()).
		Take(&mutation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mutation, nil
}

// NextLocalSeq increments the monotonic tiebreaker used when priorities collide.
func NextLocalSeq(tx *gorm.DB) (int64, error) {
	var counter record.Counter
	err := tx.Where("name = ?", record.CounterLocalSeq).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = record.Counter{Name: record.CounterLocalSeq, Value: 1}
		if err := tx.Create(&counter).Error; err != nil {
			return 0, err
		}
		return counter.Value, nil
	}
	if err != nil {
		return 0, err
	}
	counter.Value++
	if err := tx.Save(&counter).Error; err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("store operation failed", attrs...)
}
