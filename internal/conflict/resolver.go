package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingStore = errors.New("store is required")

	// ErrNotConflicted indicates a resolution request for an entity with no open conflict.
	ErrNotConflicted = errors.New("conflict: record is not conflicted")
	// ErrUnknownChoice indicates an unsupported resolution choice.
	ErrUnknownChoice = errors.New("conflict: unknown resolution choice")
	// ErrSnapshotUnavailable indicates a keepServer decision before the pull
	// cycle has delivered the server's version of the record.
	ErrSnapshotUnavailable = errors.New("conflict: server snapshot not yet pulled")
)

// Choice selects which side of a conflict survives. There is deliberately no
// automatic default: silently losing field-operation data (proof of delivery,
// COD amounts) is worse than asking.
type Choice string

const (
	ChoiceKeepLocal  Choice = "keepLocal"
	ChoiceKeepServer Choice = "keepServer"
)

// Delta is one authoritative record pulled from the remote change stream.
type Delta struct {
	EntityType record.EntityType
	EntityID   record.EntityID
	Revision   int64
	DataJSON   string
	Deleted    bool
}

// Outcome reports what applying a delta did locally.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeConflicted Outcome = "conflicted"
)

// Config wires the resolver's collaborators.
type Config struct {
	Store  *store.Store
	Logger *zap.Logger
}

// Resolver reconciles pulled authoritative records with local state and
// carries out explicit conflict decisions.
type Resolver struct {
	store  *store.Store
	logger *zap.Logger
}

// NewResolver constructs a Resolver over the shared local store.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: cfg.Store, logger: logger}, nil
}

// ApplyRemote merges one pulled delta into the local store.
//
// A record with no outstanding mutation is overwritten from the server. A
// record with an outstanding mutation and a server revision newer than its
// last synced one becomes Conflicted: both versions are kept visible and the
// mutation pauses until ResolveConflict decides. Re-application of an
// already-seen revision is a no-op, which makes at-least-once pull delivery
// safe.
func (r *Resolver) ApplyRemote(ctx context.Context, delta Delta) (Outcome, error) {
	outcome := OutcomeSkipped
	err := r.store.Write(ctx, func(tx *gorm.DB) error {
		existing, mutation, err := loadEntity(tx, delta.EntityType.String(), delta.EntityID.String())
		if err != nil {
			return err
		}

		if existing != nil && delta.Revision <= existing.LastSyncedRevision {
			outcome = OutcomeSkipped
			return nil
		}

		now := r.store.Now().UTC().Unix()

		if mutation == nil {
			outcome = OutcomeApplied
			if delta.Deleted {
				if existing == nil {
					return nil
				}
				return tx.Delete(existing).Error
			}
			updated := record.Record{
				EntityType:         delta.EntityType.String(),
				EntityID:           delta.EntityID.String(),
				PayloadJSON:        delta.DataJSON,
				SyncState:          string(record.SyncStateSynced),
				LastSyncedRevision: delta.Revision,
				CreatedAtSeconds:   now,
				UpdatedAtSeconds:   now,
			}
			if existing != nil {
				updated.ParentsJSON = existing.ParentsJSON
				updated.CreatedAtSeconds = existing.CreatedAtSeconds
			}
			return tx.Save(&updated).Error
		}

		// Pending local intent against a newer server revision: surface, don't guess.
		outcome = OutcomeConflicted
		mutation.Paused = true
		if err := tx.Save(mutation).Error; err != nil {
			return err
		}
		if existing == nil {
			// Delete tombstone whose record was already purged locally; recreate
			// the envelope so the conflict stays visible.
			existing = &record.Record{
				EntityType:       delta.EntityType.String(),
				EntityID:         delta.EntityID.String(),
				Tombstone:        mutation.Operation == string(record.OperationDelete),
				CreatedAtSeconds: now,
			}
		}
		existing.SyncState = string(record.SyncStateConflicted)
		existing.ConflictSnapshot = delta.DataJSON
		existing.ConflictRevision = delta.Revision
		existing.ConflictDeleted = delta.Deleted
		existing.UpdatedAtSeconds = now
		return tx.Save(existing).Error
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("conflict: apply remote %s/%s: %w",
			delta.EntityType, delta.EntityID, err)
	}
	if outcome == OutcomeConflicted {
		r.logger.Warn("conflict detected",
			zap.String("entity_type", delta.EntityType.String()),
			zap.String("entity_id", delta.EntityID.String()),
			zap.Int64("server_revision", delta.Revision))
	}
	return outcome, nil
}

// View is one conflicted record awaiting a decision, with both sides visible.
type View struct {
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	LocalPayload   string `json:"local_payload"`
	LocalDeleted   bool   `json:"local_deleted"`
	LocalRevision  int64  `json:"local_revision"`
	ServerSnapshot string `json:"server_snapshot"`
	ServerDeleted  bool   `json:"server_deleted"`
	ServerRevision int64  `json:"server_revision"`
}

// Conflicts lists every record awaiting explicit resolution.
func (r *Resolver) Conflicts(ctx context.Context) ([]View, error) {
	var rows []record.Record
	if err := r.store.DB().WithContext(ctx).
		Where("sync_state = ?", string(record.SyncStateConflicted)).
		Order("updated_at_s ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("conflict: list failed: %w", err)
	}
	views := make([]View, 0, len(rows))
	for _, row := range rows {
		views = append(views, View{
			EntityType:     row.EntityType,
			EntityID:       row.EntityID,
			LocalPayload:   row.PayloadJSON,
			LocalDeleted:   row.Tombstone,
			LocalRevision:  row.LastSyncedRevision,
			ServerSnapshot: row.ConflictSnapshot,
			ServerDeleted:  row.ConflictDeleted,
			ServerRevision: row.ConflictRevision,
		})
	}
	return views, nil
}

// Resolve carries out an explicit conflict decision and records it in the
// audit trail.
//
// keepLocal re-enqueues the held local payload as a fresh mutation based on
// the server revision that caused the conflict; keepServer drops the pending
// mutation and applies the held server snapshot.
func (r *Resolver) Resolve(ctx context.Context, entityType record.EntityType, entityID record.EntityID, choice Choice) error {
	if choice != ChoiceKeepLocal && choice != ChoiceKeepServer {
		return fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}

	err := r.store.Write(ctx, func(tx *gorm.DB) error {
		existing, mutation, err := loadEntity(tx, entityType.String(), entityID.String())
		if err != nil {
			return err
		}
		if existing == nil || existing.SyncState != string(record.SyncStateConflicted) {
			return ErrNotConflicted
		}
		// A push conflict result marks the record before the pull delivers the
		// server payload; keepServer has nothing to apply until that happens.
		if choice == ChoiceKeepServer && existing.ConflictSnapshot == "" && !existing.ConflictDeleted {
			return ErrSnapshotUnavailable
		}

		now := r.store.Now().UTC().Unix()

		decisionID, err := r.store.NewID()
		if err != nil {
			return err
		}
		decision := record.ConflictDecision{
			DecisionID:       decisionID,
			EntityType:       existing.EntityType,
			EntityID:         existing.EntityID,
			Choice:           string(choice),
			LocalPayloadJSON: existing.PayloadJSON,
			ServerSnapshot:   existing.ConflictSnapshot,
			LocalRevision:    existing.LastSyncedRevision,
			ServerRevision:   existing.ConflictRevision,
			DecidedAtSeconds: now,
		}
		if err := tx.Create(&decision).Error; err != nil {
			return err
		}

		if choice == ChoiceKeepServer {
			if mutation != nil {
				if err := tx.Delete(mutation).Error; err != nil {
					return err
				}
			}
			if existing.ConflictDeleted {
				return tx.Delete(existing).Error
			}
			existing.PayloadJSON = existing.ConflictSnapshot
			existing.SyncState = string(record.SyncStateSynced)
			existing.LastSyncedRevision = existing.ConflictRevision
			existing.Tombstone = false
			clearConflict(existing, now)
			return tx.Save(existing).Error
		}

		// keepLocal: the decision rebases the local intent onto the revision
		// that conflicted, so the next push is judged against current server state.
		operation := record.OperationUpdate
		payload := existing.PayloadJSON
		switch {
		case existing.Tombstone:
			operation = record.OperationDelete
			payload = ""
		case existing.ConflictDeleted:
			operation = record.OperationCreate
		}

		if mutation != nil {
			if err := tx.Delete(mutation).Error; err != nil {
				return err
			}
		}
		mutationID, err := r.store.NewID()
		if err != nil {
			return err
		}
		seq, err := store.NextLocalSeq(tx)
		if err != nil {
			return err
		}
		fresh := record.Mutation{
			MutationID:        mutationID,
			EntityType:        existing.EntityType,
			EntityID:          existing.EntityID,
			Operation:         string(operation),
			PayloadJSON:       payload,
			Priority:          record.EntityType(existing.EntityType).DefaultPriority(),
			LocalSeq:          seq,
			Status:            string(record.MutationStatusPending),
			EnqueuedAtSeconds: now,
		}
		if err := tx.Create(&fresh).Error; err != nil {
			return err
		}

		existing.SyncState = string(record.SyncStatePending)
		existing.LastSyncedRevision = existing.ConflictRevision
		clearConflict(existing, now)
		return tx.Save(existing).Error
	})
	if err != nil {
		return err
	}

	r.logger.Info("conflict resolved",
		zap.String("entity_type", entityType.String()),
		zap.String("entity_id", entityID.String()),
		zap.String("choice", string(choice)))
	return nil
}

func clearConflict(rec *record.Record, now int64) {
	rec.ConflictSnapshot = ""
	rec.ConflictRevision = 0
	rec.ConflictDeleted = false
	rec.UpdatedAtSeconds = now
}

func loadEntity(tx *gorm.DB, entityType, entityID string) (*record.Record, *record.Mutation, error) {
	var rec record.Record
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).Take(&rec).Error
	recPtr := &rec
	if errors.Is(err, gorm.ErrRecordNotFound) {
		recPtr = nil
	} else if err != nil {
		return nil, nil, err
	}

	var mutation record.Mutation
	err = tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).Take(&mutation).Error
	mutPtr := &mutation
	if errors.Is(err, gorm.ErrRecordNotFound) {
		mutPtr = nil
	} else if err != nil {
		return nil, nil, err
	}
	return recPtr, mutPtr, nil
}
