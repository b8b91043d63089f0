package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBackoffBase = 5 * time.Second
	defaultBackoffCap  = 15 * time.Minute
	defaultMaxAttempts = 8
)

var (
	errMissingStore = errors.New("store is required")

	// ErrMutationNotFound indicates an acknowledgement for an unknown mutation.
	ErrMutationNotFound = errors.New("outbox: mutation not found")
)

// Config tunes queue retry behavior.
type Config struct {
	Store       *store.Store
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
	// Random returns a value in [0, 1); defaults to math/rand.
	Random func() float64
	Logger *zap.Logger
}

// Queue is the durable, ordered set of pending mutations.
type Queue struct {
	store       *store.Store
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
	random      func() float64
	logger      *zap.Logger
}

// NewQueue constructs a Queue over the shared local store.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	cap := cfg.BackoffCap
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	random := cfg.Random
	if random == nil {
		random = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:       cfg.Store,
		backoffBase: base,
		backoffCap:  cap,
		maxAttempts: maxAttempts,
		random:      random,
		logger:      logger,
	}, nil
}

// NextBatch returns up to maxSize transmittable mutations ordered by
// ascending priority then local sequence. A mutation is held back while its
// entity has an unsynced parent, a not-yet-uploaded attachment, a backoff
// window still open, or an unresolved conflict.
func (q *Queue) NextBatch(ctx context.Context, maxSize int) ([]record.Mutation, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	now := q.store.Now().UTC().Unix()

	var eligible []record.Mutation
	if err := q.store.DB().WithContext(ctx).
		Where("status = ? AND paused = ? AND next_eligible_at_s <= ?",
			string(record.MutationStatusPending), false, now).
		Order("priority ASC, local_seq ASC").
		Find(&eligible).Error; err != nil {
		return nil, fmt.Errorf("outbox: batch query failed: %w", err)
	}

	batch := make([]record.Mutation, 0, maxSize)
	for _, mutation := range eligible {
		blocked, err := q.isBlocked(ctx, mutation)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		batch = append(batch, mutation)
		if len(batch) == maxSize {
			break
		}
	}
	return batch, nil
}

// isBlocked applies the dependency gate: unresolved parents and pending
// attachments exclude a mutation from transmission even when otherwise eligible.
func (q *Queue) isBlocked(ctx context.Context, mutation record.Mutation) (bool, error) {
	db := q.store.DB().WithContext(ctx)

	var rec record.Record
	err := db.Where("entity_type = ? AND entity_id = ?", mutation.EntityType, mutation.EntityID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Delete tombstones can outlive their record only transiently; send them.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("outbox: record lookup failed: %w", err)
	}

	if rec.ParentsJSON != "" {
		var parents []record.ParentRef
		if err := json.Unmarshal([]byte(rec.ParentsJSON), &parents); err != nil {
			return false, fmt.Errorf("outbox: parents decode failed: %w", err)
		}
		for _, parent := range parents {
			var parentRec record.Record
			err := db.Where("entity_type = ? AND entity_id = ?",
				parent.EntityType.String(), parent.EntityID.String()).
				Take(&parentRec).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Parent exists only server-side; nothing to wait on.
				continue
			}
			if err != nil {
				return false, fmt.Errorf("outbox: parent lookup failed: %w", err)
			}
			if parentRec.SyncState != string(record.SyncStateSynced) {
				return true, nil
			}
		}
	}

	var pendingAttachments int64
	if err := db.Model(&record.Attachment{}).
		Where("owner_type = ? AND owner_id = ? AND upload_state <> ?",
			mutation.EntityType, mutation.EntityID, string(record.UploadStateUploaded)).
		Count(&pendingAttachments).Error; err != nil {
		return false, fmt.Errorf("outbox: attachment lookup failed: %w", err)
	}
	return pendingAttachments > 0, nil
}

// Ack removes the acknowledged mutation and promotes its record to Synced
// with the server-assigned revision. Acknowledged deletes purge the tombstone.
// A second Ack for the same mutation is a no-op, tolerating replayed results.
func (q *Queue) Ack(ctx context.Context, mutationID string, serverRevision int64) error {
	return q.store.Write(ctx, func(tx *gorm.DB) error {
		mutation, err := takeMutation(tx, mutationID)
		if err != nil {
			return err
		}
		if mutation == nil {
			return nil
		}
		if err := tx.Delete(mutation).Error; err != nil {
			return err
		}

		if mutation.Operation == string(record.OperationDelete) {
			return tx.Where("entity_type = ? AND entity_id = ?", mutation.EntityType, mutation.EntityID).
				Delete(&record.Record{}).Error
		}
		return tx.Model(&record.Record{}).
			Where("entity_type = ? AND entity_id = ?", mutation.EntityType, mutation.EntityID).
			Updates(map[string]interface{}{
				"sync_state":           string(record.SyncStateSynced),
				"last_synced_revision": serverRevision,
				"last_error":           "",
			}).Error
	})
}

// Nack records a transient failure: attempts increment, the error is kept
// visible, and the next eligible time backs off exponentially with jitter.
// Exhausted mutations become Failed but stay queryable for operator review.
func (q *Queue) Nack(ctx context.Context, mutationID string, cause string) error {
	return q.store.Write(ctx, func(tx *gorm.DB) error {
		mutation, err := takeMutation(tx, mutationID)
		if err != nil {
			return err
		}
		if mutation == nil {
			return ErrMutationNotFound
		}

		now := q.store.Now().UTC()
		mutation.Attempts++
		mutation.LastError = cause
		mutation.LastAttemptAtSeconds = now.Unix()

		if mutation.Attempts >= q.maxAttempts {
			mutation.Status = string(record.MutationStatusFailed)
			q.logger.Warn("mutation retries exhausted",
				zap.String("mutation_id", mutation.MutationID),
				zap.String("entity_type", mutation.EntityType),
				zap.String("entity_id", mutation.EntityID),
				zap.Int("attempts", mutation.Attempts))
			if err := markRecordFailed(tx, mutation.EntityType, mutation.EntityID, cause); err != nil {
				return err
			}
		} else {
			delay := RetryDelay(q.backoffBase, q.backoffCap, mutation.Attempts, q.random)
			mutation.NextEligibleAtSeconds = now.Add(delay).Unix()
		}
		return tx.Save(mutation).Error
	})
}

// Reject terminates retries immediately for a fatal validation error and
// marks the record Failed with the server's message attached.
func (q *Queue) Reject(ctx context.Context, mutationID string, cause string) error {
	return q.store.Write(ctx, func(tx *gorm.DB) error {
		mutation, err := takeMutation(tx, mutationID)
		if err != nil {
			return err
		}
		if mutation == nil {
			return ErrMutationNotFound
		}
		mutation.Status = string(record.MutationStatusFailed)
		mutation.LastError = cause
		mutation.LastAttemptAtSeconds = q.store.Now().UTC().Unix()
		if err := tx.Save(mutation).Error; err != nil {
			return err
		}
		return markRecordFailed(tx, mutation.EntityType, mutation.EntityID, cause)
	})
}

// PauseForConflict holds the mutation out of future batches and marks the
// record Conflicted; the pull cycle fills in the server snapshot when the
// authoritative version arrives.
func (q *Queue) PauseForConflict(ctx context.Context, mutationID string, serverRevision int64) error {
	return q.store.Write(ctx, func(tx *gorm.DB) error {
		mutation, err := takeMutation(tx, mutationID)
		if err != nil {
			return err
		}
		if mutation == nil {
			return ErrMutationNotFound
		}
		mutation.Paused = true
		if err := tx.Save(mutation).Error; err != nil {
			return err
		}
		return tx.Model(&record.Record{}).
			Where("entity_type = ? AND entity_id = ?", mutation.EntityType, mutation.EntityID).
			Updates(map[string]interface{}{
				"sync_state":        string(record.SyncStateConflicted),
				"conflict_revision": serverRevision,
			}).Error
	})
}

// RetryFailed resets every exhausted or rejected mutation for another pass.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	var reset int64
	err := q.store.Write(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&record.Mutation{}).
			Where("status = ?", string(record.MutationStatusFailed)).
			Updates(map[string]interface{}{
				"status":             string(record.MutationStatusPending),
				"attempts":           0,
				"last_error":         "",
				"next_eligible_at_s": 0,
			})
		if result.Error != nil {
			return result.Error
		}
		reset = result.RowsAffected
		if reset == 0 {
			return nil
		}
		return tx.Model(&record.Record{}).
			Where("sync_state = ?", string(record.SyncStateFailed)).
			Update("sync_state", string(record.SyncStatePending)).Error
	})
	return reset, err
}

func takeMutation(tx *gorm.DB, mutationID string) (*record.Mutation, error) {
	var mutation record.Mutation
	err := tx.Where("mutation_id = ?", mutationID).Take(&mutation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mutation, nil
}

func markRecordFailed(tx *gorm.DB, entityType, entityID, cause string) error {
	return tx.Model(&record.Record{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Updates(map[string]interface{}{
			"sync_state": string(record.SyncStateFailed),
			"last_error": cause,
		}).Error
}
