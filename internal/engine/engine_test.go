package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/attach"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/conflict"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/outbox"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/pull"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/push"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/store"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

// fakeRemote is a scripted stand-in for the sync server. The test flips its
// phase between cycles; no requests are in flight at that point because the
// scheduler serializes cycles.
type fakeRemote struct {
	mu       sync.Mutex
	phase    string
	revision int64
	changes  []pullWireRecord
}

type pullWireRecord struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Revision   int64           `json:"revision"`
	Data       json.RawMessage `json:"data,omitempty"`
	DeletedAt  *int64          `json:"deletedAt,omitempty"`
}

func (f *fakeRemote) setPhase(phase string, revision int64, changes []pullWireRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = phase
	f.revision = revision
	f.changes = changes
}

func (f *fakeRemote) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/mutations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		phase := f.phase
		revision := f.revision
		f.mu.Unlock()

		var request struct {
			Mutations []struct {
				IdempotencyKey string `json:"idempotencyKey"`
			} `json:"mutations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode push request: %v", err)
		}
		type result struct {
			IdempotencyKey string `json:"idempotencyKey"`
			Status         string `json:"status"`
			ServerRevision int64  `json:"serverRevision,omitempty"`
		}
		response := struct {
			Results []result `json:"results"`
		}{}
		for _, mutation := range request.Mutations {
			entry := result{IdempotencyKey: mutation.IdempotencyKey, Status: "accepted", ServerRevision: revision}
			if phase == "conflict" {
				entry.Status = "conflict"
			}
			response.Results = append(response.Results, entry)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			t.Errorf("encode push response: %v", err)
		}
	})
	mux.HandleFunc("/sync/changes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		changes := f.changes
		revision := f.revision
		f.mu.Unlock()

		response := struct {
			Records        []pullWireRecord `json:"records"`
			NextCheckpoint int64            `json:"nextCheckpoint"`
		}{Records: changes, NextCheckpoint: revision}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			t.Errorf("encode pull response: %v", err)
		}
	})
	mux.HandleFunc("/sync/attachments/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func newTestEngine(t *testing.T, baseURL string) (*Engine, *store.Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		IDProvider: &sequentialIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	queue, err := outbox.NewQueue(outbox.Config{Store: localStore})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	resolver, err := conflict.NewResolver(conflict.Config{Store: localStore})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	attachments, err := attach.NewManager(attach.ManagerConfig{Store: localStore, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to construct attachment manager: %v", err)
	}
	uploader, err := attach.NewUploader(attach.UploaderConfig{Manager: attachments, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to construct uploader: %v", err)
	}
	pushClient, err := push.NewClient(push.Config{Queue: queue, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to construct push client: %v", err)
	}
	pullClient, err := pull.NewClient(pull.Config{Store: localStore, Resolver: resolver, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to construct pull client: %v", err)
	}

	syncEngine, err := New(Config{
		Store:       localStore,
		Queue:       queue,
		Resolver:    resolver,
		Attachments: attachments,
		Uploader:    uploader,
		PushClient:  pushClient,
		PullClient:  pullClient,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return syncEngine, localStore, db
}

func waitForCycleFinished(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for cycle")
			}
			if event.Type == EventCycleFinished {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for cycle-finished event")
		}
	}
}

func TestNewRequiresEveryComponent(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty configuration")
	}
}

func TestResolveConflictValidatesInput(t *testing.T) {
	remote := &fakeRemote{}
	server := httptest.NewServer(remote.handler(t))
	defer server.Close()

	syncEngine, _, _ := newTestEngine(t, server.URL)
	ctx := context.Background()

	if err := syncEngine.ResolveConflict(ctx, "bogus_type", "id-1", "keepLocal"); !errors.Is(err, record.ErrInvalidEntityType) {
		t.Fatalf("expected ErrInvalidEntityType, got %v", err)
	}
	if err := syncEngine.ResolveConflict(ctx, "pickup_request", "  ", "keepLocal"); !errors.Is(err, record.ErrInvalidEntityID) {
		t.Fatalf("expected ErrInvalidEntityID, got %v", err)
	}
	if err := syncEngine.ResolveConflict(ctx, "pickup_request", "pickup-1", "merge"); !errors.Is(err, conflict.ErrUnknownChoice) {
		t.Fatalf("expected ErrUnknownChoice, got %v", err)
	}
}

// The full offline round trip: a record created offline syncs, diverges on
// both sides, conflicts, and recovers through an explicit keepLocal decision.
func TestOfflineEditConflictAndManualResolution(t *testing.T) {
	remote := &fakeRemote{}
	server := httptest.NewServer(remote.handler(t))
	defer server.Close()

	syncEngine, localStore, db := newTestEngine(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := syncEngine.Subscribe(ctx)
	defer unsubscribe()

	syncEngine.Start(ctx)
	defer syncEngine.Stop()

	// Offline create.
	if err := localStore.Put(ctx, store.PutInput{
		EntityType:  record.EntityTypePickupRequest,
		EntityID:    "pickup-1",
		PayloadJSON: `{"status":"assigned"}`,
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	pending, err := syncEngine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending mutation, got %d", pending)
	}

	// Connectivity returns; the push is accepted at revision 1.
	remote.setPhase("accept", 1, nil)
	syncEngine.TriggerSync()
	waitForCycleFinished(t, events)

	var synced record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&synced).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if synced.SyncState != string(record.SyncStateSynced) || synced.LastSyncedRevision != 1 {
		t.Fatalf("expected synced at revision 1, got state=%q revision=%d",
			synced.SyncState, synced.LastSyncedRevision)
	}

	// Offline edit while a dispatcher edits the same entity server-side.
	if err := localStore.Put(ctx, store.PutInput{
		EntityType:  record.EntityTypePickupRequest,
		EntityID:    "pickup-1",
		PayloadJSON: `{"status":"picked_up","items":3}`,
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	remote.setPhase("conflict", 2, []pullWireRecord{{
		EntityType: "pickup_request",
		EntityID:   "pickup-1",
		Revision:   2,
		Data:       json.RawMessage(`{"status":"cancelled"}`),
	}})
	syncEngine.TriggerSync()
	event := waitForCycleFinished(t, events)
	if event.ConflictCount != 1 {
		t.Fatalf("expected 1 conflict reported on the event, got %d", event.ConflictCount)
	}

	views, err := syncEngine.Conflicts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(views))
	}
	if views[0].LocalPayload != `{"status":"picked_up","items":3}` {
		t.Fatalf("unexpected local side: %s", views[0].LocalPayload)
	}
	if views[0].ServerSnapshot != `{"status":"cancelled"}` {
		t.Fatalf("unexpected server side: %s", views[0].ServerSnapshot)
	}

	// The courier keeps the field data; the re-push is accepted at revision 3.
	remote.setPhase("accept", 3, nil)
	if err := syncEngine.ResolveConflict(ctx, "pickup_request", "pickup-1", "keepLocal"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	waitForCycleFinished(t, events)

	var final record.Record
	if err := db.Where("entity_id = ?", "pickup-1").Take(&final).Error; err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if final.SyncState != string(record.SyncStateSynced) {
		t.Fatalf("expected synced after resolution, got %q", final.SyncState)
	}
	if final.PayloadJSON != `{"status":"picked_up","items":3}` {
		t.Fatalf("expected local payload to win, got %s", final.PayloadJSON)
	}
	if final.LastSyncedRevision != 3 {
		t.Fatalf("expected revision 3, got %d", final.LastSyncedRevision)
	}

	conflicts, err := syncEngine.Conflicts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected conflicts cleared, got %d", len(conflicts))
	}

	var decision record.ConflictDecision
	if err := db.Take(&decision).Error; err != nil {
		t.Fatalf("expected decision audit row: %v", err)
	}
	if decision.Choice != "keepLocal" {
		t.Fatalf("unexpected audited choice %q", decision.Choice)
	}
}

func TestStatusSummarizesEngineState(t *testing.T) {
	remote := &fakeRemote{}
	server := httptest.NewServer(remote.handler(t))
	defer server.Close()

	syncEngine, localStore, _ := newTestEngine(t, server.URL)
	ctx := context.Background()

	if err := localStore.Put(ctx, store.PutInput{
		EntityType:  record.EntityTypePickupRequest,
		EntityID:    "pickup-1",
		PayloadJSON: `{}`,
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	status, err := syncEngine.Status(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.PendingCount != 1 {
		t.Fatalf("expected 1 pending, got %d", status.PendingCount)
	}
	if status.RecordCounts["pending"] != 1 {
		t.Fatalf("expected 1 pending record, got %v", status.RecordCounts)
	}
	if status.PullCursor != 0 {
		t.Fatalf("expected zero cursor before first pull, got %d", status.PullCursor)
	}
	if status.Scheduler.Running {
		t.Fatalf("expected scheduler not running before Start")
	}
}
