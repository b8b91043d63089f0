package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TriggerReason names the event that asked for a sync cycle. Timers,
// connectivity listeners, and app lifecycle hooks live outside the engine and
// feed it through Trigger, which keeps the concurrency contract testable
// without real timers or real network state.
type TriggerReason string

const (
	TriggerManual       TriggerReason = "manual"
	TriggerTimer        TriggerReason = "timer"
	TriggerConnectivity TriggerReason = "connectivity_change"
	TriggerForeground   TriggerReason = "app_foreground"
)

// CycleFunc is one phase of a sync cycle.
type CycleFunc func(ctx context.Context) error

var errMissingCycle = errors.New("scheduler: push, pull, and attachment cycles are required")

// Config wires the scheduler's cycle phases.
type Config struct {
	Attachments CycleFunc
	Push        CycleFunc
	Pull        CycleFunc
	// Interval enables the periodic trigger when positive.
	Interval time.Duration
	// OnCycleDone observes cycle completion; used for the status event stream.
	OnCycleDone func(reason TriggerReason, err error)
	Logger      *zap.Logger
}

// Snapshot describes the scheduler's last observed cycle for the status surface.
type Snapshot struct {
	Running           bool      `json:"running"`
	CycleInFlight     bool      `json:"cycle_in_flight"`
	LastReason        string    `json:"last_reason,omitempty"`
	LastStartedAt     time.Time `json:"last_started_at,omitzero"`
	LastFinishedAt    time.Time `json:"last_finished_at,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
	CompletedCycles   int64     `json:"completed_cycles"`
	CoalescedTriggers int64     `json:"coalesced_triggers"`
}

// Scheduler serializes sync cycles: at most one runs at a time, and a trigger
// arriving mid-cycle coalesces into a single follow-up run instead of a
// parallel one.
type Scheduler struct {
	attachments CycleFunc
	push        CycleFunc
	pull        CycleFunc
	interval    time.Duration
	onCycleDone func(reason TriggerReason, err error)
	logger      *zap.Logger

	triggerCh chan TriggerReason
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu            sync.Mutex
	running       bool
	cycleInFlight bool
	cancelCycle   context.CancelFunc
	snapshot      Snapshot
}

// NewScheduler validates the configuration and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Attachments == nil || cfg.Push == nil || cfg.Pull == nil {
		return nil, errMissingCycle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		attachments: cfg.Attachments,
		push:        cfg.Push,
		pull:        cfg.Pull,
		interval:    cfg.Interval,
		onCycleDone: cfg.OnCycleDone,
		logger:      logger,
		triggerCh:   make(chan TriggerReason, 1),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start launches the scheduling loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.snapshot.Running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sync scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels any in-flight cycle and waits for the loop to exit. Mutations
// whose network calls were abandoned stay Pending for the next cycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.snapshot.Running = false
	if s.cancelCycle != nil {
		s.cancelCycle()
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("sync scheduler stopped")
}

// Trigger requests a sync cycle. A request arriving while a cycle is in
// flight (or one is already queued) is folded into the pending run.
func (s *Scheduler) Trigger(reason TriggerReason) {
	select {
	case s.triggerCh <- reason:
	default:
		s.mu.Lock()
		s.snapshot.CoalescedTriggers++
		s.mu.Unlock()
	}
}

// Status returns the last observed cycle state.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	var tickerCh <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-tickerCh:
			s.runCycle(ctx, TriggerTimer)
		case reason := <-s.triggerCh:
			s.runCycle(ctx, reason)
		}
	}
}

// runCycle executes attachments, push, then pull. Attachment uploads go first
// so that records gated on pending blobs become transmittable within the same
// cycle. The loop goroutine is the only caller, so cycles never overlap.
func (s *Scheduler) runCycle(ctx context.Context, reason TriggerReason) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cycleInFlight = true
	s.cancelCycle = cancel
	s.snapshot.CycleInFlight = true
	s.snapshot.LastReason = string(reason)
	s.snapshot.LastStartedAt = time.Now().UTC()
	s.mu.Unlock()

	err := s.attachments(cycleCtx)
	if err == nil {
		err = s.push(cycleCtx)
	}
	if err == nil {
		err = s.pull(cycleCtx)
	}

	s.mu.Lock()
	s.cycleInFlight = false
	s.cancelCycle = nil
	s.snapshot.CycleInFlight = false
	s.snapshot.LastFinishedAt = time.Now().UTC()
	s.snapshot.CompletedCycles++
	if err != nil {
		s.snapshot.LastError = err.Error()
	} else {
		s.snapshot.LastError = ""
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("sync cycle finished with error",
			zap.String("reason", string(reason)), zap.Error(err))
	} else {
		s.logger.Debug("sync cycle finished", zap.String("reason", string(reason)))
	}
	if s.onCycleDone != nil {
		s.onCycleDone(reason, err)
	}
}
