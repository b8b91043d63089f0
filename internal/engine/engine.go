// Package engine assembles the offline sync components and exposes the small
// surface the surrounding application drives: trigger a sync, inspect pending
// work, list conflicts, resolve one. Failures inside the engine land on the
// records and mutations themselves as observable state; nothing is thrown
// past this boundary from the background loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/attach"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/conflict"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/outbox"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/pull"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/push"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/scheduler"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/store"
	"go.uber.org/zap"
)

var errMissingComponent = errors.New("engine: missing required component")

// Config wires the engine's collaborators.
type Config struct {
	Store        *store.Store
	Queue        *outbox.Queue
	Resolver     *conflict.Resolver
	Attachments  *attach.Manager
	Uploader     *attach.Uploader
	PushClient   *push.Client
	PullClient   *pull.Client
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Engine is the exit surface of the sync subsystem.
type Engine struct {
	store       *store.Store
	queue       *outbox.Queue
	resolver    *conflict.Resolver
	attachments *attach.Manager
	scheduler   *scheduler.Scheduler
	pullClient  *pull.Client
	events      *eventDispatcher
	logger      *zap.Logger
}

// New validates the configuration, builds the scheduler around the three
// cycle phases, and returns the Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Resolver == nil ||
		cfg.Attachments == nil || cfg.Uploader == nil ||
		cfg.PushClient == nil || cfg.PullClient == nil {
		return nil, errMissingComponent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:       cfg.Store,
		queue:       cfg.Queue,
		resolver:    cfg.Resolver,
		attachments: cfg.Attachments,
		pullClient:  cfg.PullClient,
		events:      newEventDispatcher(),
		logger:      logger,
	}

	sched, err := scheduler.NewScheduler(scheduler.Config{
		Attachments: cfg.Uploader.RunCycle,
		Push:        cfg.PushClient.RunCycle,
		Pull:        cfg.PullClient.RunCycle,
		Interval:    cfg.SyncInterval,
		OnCycleDone: e.publishCycleDone,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	e.scheduler = sched
	return e, nil
}

// Start launches the background sync loop.
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
}

// Stop cancels any in-flight cycle and shuts the loop down.
func (e *Engine) Stop() {
	e.scheduler.Stop()
}

// TriggerSync requests a manual sync cycle.
func (e *Engine) TriggerSync() {
	e.scheduler.Trigger(scheduler.TriggerManual)
}

// Trigger feeds an external scheduler input (timer, connectivity change,
// app foreground) into the loop.
func (e *Engine) Trigger(reason scheduler.TriggerReason) {
	e.scheduler.Trigger(reason)
}

// PendingCount reports outbox mutations awaiting acknowledgement.
func (e *Engine) PendingCount(ctx context.Context) (int64, error) {
	return e.store.PendingCount(ctx)
}

// Conflicts lists records awaiting explicit resolution.
func (e *Engine) Conflicts(ctx context.Context) ([]conflict.View, error) {
	return e.resolver.Conflicts(ctx)
}

// ResolveConflict applies an explicit decision for one conflicted entity and
// nudges the scheduler so a keepLocal re-enqueue transmits promptly.
func (e *Engine) ResolveConflict(ctx context.Context, entityType, entityID, choice string) error {
	parsedType, err := record.NewEntityType(entityType)
	if err != nil {
		return err
	}
	parsedID, err := record.NewEntityID(entityID)
	if err != nil {
		return err
	}
	parsedChoice, err := parseChoice(choice)
	if err != nil {
		return err
	}
	if err := e.resolver.Resolve(ctx, parsedType, parsedID, parsedChoice); err != nil {
		return err
	}
	e.scheduler.Trigger(scheduler.TriggerManual)
	return nil
}

// RetryFailed resets exhausted and rejected mutations for another pass.
func (e *Engine) RetryFailed(ctx context.Context) (int64, error) {
	reset, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		e.scheduler.Trigger(scheduler.TriggerManual)
	}
	return reset, nil
}

// Status summarizes the engine for the polling shell application.
type Status struct {
	Scheduler     scheduler.Snapshot `json:"scheduler"`
	PendingCount  int64              `json:"pending_count"`
	RecordCounts  map[string]int64   `json:"record_counts"`
	PullCursor    int64              `json:"pull_cursor"`
	ConflictCount int64              `json:"conflict_count"`
}

// Status gathers the current snapshot.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := e.store.CountsByState(ctx)
	if err != nil {
		return Status{}, err
	}
	cursor, err := e.pullClient.Checkpoint(ctx)
	if err != nil {
		return Status{}, err
	}

	recordCounts := make(map[string]int64, len(counts))
	for state, total := range counts {
		recordCounts[string(state)] = total
	}
	return Status{
		Scheduler:     e.scheduler.Status(),
		PendingCount:  pending,
		RecordCounts:  recordCounts,
		PullCursor:    cursor,
		ConflictCount: counts[record.SyncStateConflicted],
	}, nil
}

// Subscribe streams sync lifecycle events until ctx is done.
func (e *Engine) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return e.events.Subscribe(ctx)
}

func (e *Engine) publishCycleDone(reason scheduler.TriggerReason, cycleErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("pending count for event failed", zap.Error(err))
	}
	counts, err := e.store.CountsByState(ctx)
	if err != nil {
		e.logger.Warn("state counts for event failed", zap.Error(err))
	}
	conflicted := counts[record.SyncStateConflicted]

	event := Event{
		Type:          EventCycleFinished,
		Reason:        string(reason),
		PendingCount:  pending,
		ConflictCount: conflicted,
		Timestamp:     time.Now().UTC(),
	}
	if cycleErr != nil {
		event.Error = cycleErr.Error()
	}
	e.events.Publish(event)

	if conflicted > 0 {
		e.events.Publish(Event{
			Type:          EventConflictPending,
			PendingCount:  pending,
			ConflictCount: conflicted,
			Timestamp:     time.Now().UTC(),
		})
	}
}

func parseChoice(value string) (conflict.Choice, error) {
	switch value {
	case string(conflict.ChoiceKeepLocal):
		return conflict.ChoiceKeepLocal, nil
	case string(conflict.ChoiceKeepServer):
		return conflict.ChoiceKeepServer, nil
	default:
		return "", fmt.Errorf("%w: %q", conflict.ErrUnknownChoice, value)
	}
}
