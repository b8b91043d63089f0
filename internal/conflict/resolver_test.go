package conflict

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/store"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

func newTestResolver(t *testing.T) (*Resolver, *store.Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:conflict_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&record.Record{}, &record.Mutation{}, &record.Attachment{},
		&record.SyncCheckpoint{}, &record.ConflictDecision{}, &record.Counter{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	localStore, err := store.NewStore(store.Config{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1760000000, 0).UTC() },
		IDProvider: &sequentialIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	resolver, err := NewResolver(Config{Store: localStore})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	return resolver, localStore, db
}

func pickupDelta(revision int64, payload string) Delta {
	return Delta{
		EntityType: record.EntityTypePickupRequest,
		EntityID:   "pickup-1",
		Revision:   revision,
		DataJSON:   payload,
	}
}

func putPickup(t *testing.T, localStore *store.Store, payload string) {
	t.Helper()
	if err := localStore.Put(context.Background(), store.PutInput{
		EntityType:  record.EntityTypePickupRequest,
		EntityID:    "pickup-1",
		PayloadJSON: payload,
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
}

func markSynced(t *testing.T, db *gorm.DB, revision int64) {
	t.Helper()
	if err := db.Where("entity_id = ?", "pickup-1").Delete(&record.Mutation{}).Error; err != nil {
		t.Fatalf("failed to clear mutation: %v", err)
	}
	if err := db.Model(&record.Record{}).
		Where("entity_id = ?", "pickup-1").
		Updates(map[string]interface{}{
			"sync_state":           string(record.SyncStateSynced),
			"last_synced_revision": revision,
		}).Error; err != nil {
		t.Fatalf("failed to mark synced: %v", err)
	}
}

func TestApplyRemoteCreatesUnknownRecord(t *testing.T) {
	resolver, _, db := newTestResolver(t)

	outcome, err := resolver.ApplyRemote(context.Background(), pickupDelta(3, `{"status":"assigned"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.SyncState != string(record.SyncStateSynced) {
		t.Fatalf("expected synced state, got %q", stored.SyncState)
	}
	if stored.LastSyncedRevision != 3 {
		t.Fatalf("expected revision 3, got %d", stored.LastSyncedRevision)
	}
}

func TestApplyRemoteSkipsAlreadySeenRevision(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"arrived"}`)
	markSynced(t, db, 5)

	outcome, err := resolver.ApplyRemote(ctx, pickupDelta(5, `{"status":"stale"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %q", outcome)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.PayloadJSON != `{"status":"arrived"}` {
		t.Fatalf("expected local payload untouched, got %s", stored.PayloadJSON)
	}
}

func TestApplyRemoteOverwritesCleanRecord(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"assigned"}`)
	markSynced(t, db, 1)

	outcome, err := resolver.ApplyRemote(ctx, pickupDelta(2, `{"status":"reassigned"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.PayloadJSON != `{"status":"reassigned"}` {
		t.Fatalf("expected server payload, got %s", stored.PayloadJSON)
	}
	if stored.LastSyncedRevision != 2 {
		t.Fatalf("expected revision 2, got %d", stored.LastSyncedRevision)
	}
}

func TestApplyRemoteDeleteRemovesCleanRecord(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"assigned"}`)
	markSynced(t, db, 1)

	delta := pickupDelta(2, "")
	delta.Deleted = true
	outcome, err := resolver.ApplyRemote(ctx, delta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	var count int64
	if err := db.Model(&record.Record{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected record removed, got %d rows", count)
	}
}

func TestApplyRemoteSurfacesConflictForPendingEdit(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"picked_up","items":3}`)

	outcome, err := resolver.ApplyRemote(ctx, pickupDelta(4, `{"status":"cancelled"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeConflicted {
		t.Fatalf("expected conflicted, got %q", outcome)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.SyncState != string(record.SyncStateConflicted) {
		t.Fatalf("expected conflicted state, got %q", stored.SyncState)
	}
	if stored.PayloadJSON != `{"status":"picked_up","items":3}` {
		t.Fatalf("expected local payload held, got %s", stored.PayloadJSON)
	}
	if stored.ConflictSnapshot != `{"status":"cancelled"}` {
		t.Fatalf("expected server snapshot held, got %s", stored.ConflictSnapshot)
	}
	if stored.ConflictRevision != 4 {
		t.Fatalf("expected conflict revision 4, got %d", stored.ConflictRevision)
	}

	var mutation record.Mutation
	if err := db.Take(&mutation).Error; err != nil {
		t.Fatalf("expected paused mutation: %v", err)
	}
	if !mutation.Paused {
		t.Fatalf("expected mutation paused")
	}
}

func TestApplyRemoteServerDeleteAgainstLocalEditConflicts(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"picked_up"}`)

	delta := pickupDelta(4, "")
	delta.Deleted = true
	outcome, err := resolver.ApplyRemote(ctx, delta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeConflicted {
		t.Fatalf("expected delete against pending edit to conflict, got %q", outcome)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if !stored.ConflictDeleted {
		t.Fatalf("expected server-side delete to be held on the conflict")
	}
}

func TestConflictsListsBothSides(t *testing.T) {
	resolver, localStore, _ := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"picked_up"}`)
	if _, err := resolver.ApplyRemote(ctx, pickupDelta(4, `{"status":"cancelled"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	views, err := resolver.Conflicts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(views))
	}
	view := views[0]
	if view.LocalPayload != `{"status":"picked_up"}` {
		t.Fatalf("unexpected local side: %s", view.LocalPayload)
	}
	if view.ServerSnapshot != `{"status":"cancelled"}` {
		t.Fatalf("unexpected server side: %s", view.ServerSnapshot)
	}
	if view.ServerRevision != 4 {
		t.Fatalf("unexpected server revision: %d", view.ServerRevision)
	}
}

func TestResolveKeepServerAppliesSnapshotAndDropsMutation(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"picked_up"}`)
	if _, err := resolver.ApplyRemote(ctx, pickupDelta(4, `{"status":"cancelled"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := resolver.Resolve(ctx, record.EntityTypePickupRequest, "pickup-1", ChoiceKeepServer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.SyncState != string(record.SyncStateSynced) {
		t.Fatalf("expected synced state, got %q", stored.SyncState)
	}
	if stored.PayloadJSON != `{"status":"cancelled"}` {
		t.Fatalf("expected server snapshot applied, got %s", stored.PayloadJSON)
	}
	if stored.LastSyncedRevision != 4 {
		t.Fatalf("expected revision 4, got %d", stored.LastSyncedRevision)
	}
	if stored.ConflictSnapshot != "" || stored.ConflictRevision != 0 {
		t.Fatalf("expected conflict fields cleared")
	}

	var mutationCount int64
	if err := db.Model(&record.Mutation{}).Count(&mutationCount).Error; err != nil {
		t.Fatalf("failed to count mutations: %v", err)
	}
	if mutationCount != 0 {
		t.Fatalf("expected mutation dropped, got %d", mutationCount)
	}

	var decision record.ConflictDecision
	if err := db.Take(&decision).Error; err != nil {
		t.Fatalf("expected a decision audit row: %v", err)
	}
	if decision.Choice != string(ChoiceKeepServer) {
		t.Fatalf("unexpected audited choice %q", decision.Choice)
	}
}

func TestResolveKeepLocalReenqueuesRebasedMutation(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"picked_up"}`)
	if _, err := resolver.ApplyRemote(ctx, pickupDelta(4, `{"status":"cancelled"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := resolver.Resolve(ctx, record.EntityTypePickupRequest, "pickup-1", ChoiceKeepLocal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.SyncState != string(record.SyncStatePending) {
		t.Fatalf("expected pending state, got %q", stored.SyncState)
	}
	if stored.PayloadJSON != `{"status":"picked_up"}` {
		t.Fatalf("expected local payload kept, got %s", stored.PayloadJSON)
	}
	if stored.LastSyncedRevision != 4 {
		t.Fatalf("expected rebase onto revision 4, got %d", stored.LastSyncedRevision)
	}

	var mutation record.Mutation
	if err := db.Take(&mutation).Error; err != nil {
		t.Fatalf("expected fresh mutation: %v", err)
	}
	if mutation.Paused {
		t.Fatalf("expected fresh mutation to be sendable")
	}
	if mutation.Operation != string(record.OperationUpdate) {
		t.Fatalf("expected update operation, got %q", mutation.Operation)
	}
	if mutation.PayloadJSON != `{"status":"picked_up"}` {
		t.Fatalf("expected local payload queued, got %s", mutation.PayloadJSON)
	}
	if mutation.MutationID == "id-1" {
		t.Fatalf("expected a fresh mutation id, got the original")
	}
}

func TestResolveKeepLocalAgainstServerDeleteQueuesCreate(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"picked_up"}`)
	delta := pickupDelta(4, "")
	delta.Deleted = true
	if _, err := resolver.ApplyRemote(ctx, delta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := resolver.Resolve(ctx, record.EntityTypePickupRequest, "pickup-1", ChoiceKeepLocal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mutation record.Mutation
	if err := db.Take(&mutation).Error; err != nil {
		t.Fatalf("expected fresh mutation: %v", err)
	}
	if mutation.Operation != string(record.OperationCreate) {
		t.Fatalf("expected create to restore the deleted entity, got %q", mutation.Operation)
	}
}

func TestResolveKeepServerDeleteRemovesRecord(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"picked_up"}`)
	delta := pickupDelta(4, "")
	delta.Deleted = true
	if _, err := resolver.ApplyRemote(ctx, delta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := resolver.Resolve(ctx, record.EntityTypePickupRequest, "pickup-1", ChoiceKeepServer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := db.Model(&record.Record{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected record removed, got %d rows", count)
	}
}

func TestResolveKeepServerRefusedBeforeSnapshotPulled(t *testing.T) {
	resolver, localStore, db := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"assigned"}`)
	markSynced(t, db, 1)
	putPickup(t, localStore, `{"status":"picked_up"}`)

	// A push conflict result marks the record before any pull has delivered
	// the server payload.
	if err := db.Model(&record.Mutation{}).
		Where("entity_id = ?", "pickup-1").
		Update("paused", true).Error; err != nil {
		t.Fatalf("failed to pause mutation: %v", err)
	}
	if err := db.Model(&record.Record{}).
		Where("entity_id = ?", "pickup-1").
		Updates(map[string]interface{}{
			"sync_state":        string(record.SyncStateConflicted),
			"conflict_revision": int64(2),
		}).Error; err != nil {
		t.Fatalf("failed to mark conflicted: %v", err)
	}

	err := resolver.Resolve(ctx, record.EntityTypePickupRequest, "pickup-1", ChoiceKeepServer)
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("expected ErrSnapshotUnavailable, got %v", err)
	}

	var stored record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.SyncState != string(record.SyncStateConflicted) {
		t.Fatalf("expected conflict left open, got %q", stored.SyncState)
	}
	if stored.PayloadJSON != `{"status":"picked_up"}` {
		t.Fatalf("expected local payload untouched, got %s", stored.PayloadJSON)
	}

	var decisions int64
	if err := db.Model(&record.ConflictDecision{}).Count(&decisions).Error; err != nil {
		t.Fatalf("failed to count decisions: %v", err)
	}
	if decisions != 0 {
		t.Fatalf("expected no audit row for a refused decision, got %d", decisions)
	}

	// The snapshot arrives on the next pull; keepServer then proceeds.
	if _, err := resolver.ApplyRemote(ctx, pickupDelta(2, `{"status":"cancelled"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := resolver.Resolve(ctx, record.EntityTypePickupRequest, "pickup-1", ChoiceKeepServer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.Where("entity_id = ?", "pickup-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if stored.PayloadJSON != `{"status":"cancelled"}` {
		t.Fatalf("expected server payload applied, got %s", stored.PayloadJSON)
	}
}

func TestResolveRejectsUnknownChoice(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	err := resolver.Resolve(context.Background(), record.EntityTypePickupRequest, "pickup-1", Choice("merge"))
	if !errors.Is(err, ErrUnknownChoice) {
		t.Fatalf("expected ErrUnknownChoice, got %v", err)
	}
}

func TestResolveWithoutConflictReturnsNotConflicted(t *testing.T) {
	resolver, localStore, _ := newTestResolver(t)
	ctx := context.Background()

	putPickup(t, localStore, `{"status":"assigned"}`)

	err := resolver.Resolve(ctx, record.EntityTypePickupRequest, "pickup-1", ChoiceKeepLocal)
	if !errors.Is(err, ErrNotConflicted) {
		t.Fatalf("expected ErrNotConflicted, got %v", err)
	}
}
