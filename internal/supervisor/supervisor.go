// Package supervisor implements the Task Supervisor of spec.md §4.4: the
// top-level orchestrator that owns every running task's lifecycle —
// authenticate, clean-slate reconciliation, spawn a strategy loop goroutine,
// and tear it down again — while keeping tasks fully isolated from one
// another. Grounded on the teacher's internal/engine.Engine (its
// slots map + mutex, per-market context.CancelFunc, and wg.Wait-based
// Stop), generalized from "one goroutine per discovered market" to "one
// goroutine per configured account/symbol task".
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perpmm/internal/adapter"
	"perpmm/internal/hub"
	"perpmm/internal/risk"
	"perpmm/internal/strategy"
	"perpmm/internal/taskerr"
	"perpmm/internal/tracker"
	"perpmm/pkg/types"
)

const (
	defaultAuthTimeout      = 30 * time.Second
	defaultStatusBufferSize = 256
)

// AdapterFactory builds the exchange adapter for one task. Supplied by the
// process entry point so the supervisor never depends on a concrete
// transport.
type AdapterFactory func(cfg types.TaskConfiguration) (adapter.Adapter, error)

// CredentialResolver resolves a task's account reference to the credential
// bundle Adapter.Authenticate needs.
type CredentialResolver func(accountRef string) (types.CredentialBundle, error)

// taskRecord is the Supervisor's bookkeeping row for one running task.
type taskRecord struct {
	cfg    types.TaskConfiguration
	cancel context.CancelFunc
	done   chan struct{}
	loop   *strategy.Loop

	statusMu sync.Mutex
	status   types.TaskStatus
}

func (r *taskRecord) currentStatus() types.TaskStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

func (r *taskRecord) setStatus(status types.TaskStatus) {
	r.statusMu.Lock()
	r.status = status
	r.statusMu.Unlock()
}

// Supervisor is the Task Supervisor. One Supervisor owns every task sharing
// a single Market-Data Hub; tasks never see each other's Tracker or Guard.
type Supervisor struct {
	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	hub          *hub.Hub
	newAdapter   AdapterFactory
	resolveCreds CredentialResolver
	riskConfig   risk.Config
	logger       *slog.Logger

	statusCh chan types.TaskStatusEvent

	mu    sync.Mutex
	tasks map[string]*taskRecord
}

// New builds a Supervisor. parentCtx bounds the whole process: cancelling
// it (or calling ShutdownAndWait) tears down every task and the Hub.
func New(
	parentCtx context.Context,
	h *hub.Hub,
	newAdapter AdapterFactory,
	resolveCreds CredentialResolver,
	riskConfig risk.Config,
	logger *slog.Logger,
) *Supervisor {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Supervisor{
		rootCtx:      ctx,
		rootCancel:   cancel,
		hub:          h,
		newAdapter:   newAdapter,
		resolveCreds: resolveCreds,
		riskConfig:   riskConfig,
		logger:       logger.With("component", "supervisor"),
		statusCh:     make(chan types.TaskStatusEvent, defaultStatusBufferSize),
		tasks:        make(map[string]*taskRecord),
	}
}

// StatusEvents returns the channel every task's lifecycle transition is
// published on (spec §7 "user-visible behaviour").
func (s *Supervisor) StatusEvents() <-chan types.TaskStatusEvent {
	return s.statusCh
}

// Spawn starts one task: builds its adapter, authenticates, cancels any
// pre-existing open orders for a clean slate, then launches its strategy
// loop on its own goroutine. Spawn returns once the task is confirmed
// Running; a later crash or stop is reported asynchronously via
// StatusEvents, never by making other tasks' Spawn/Stop calls fail.
func (s *Supervisor) Spawn(cfg types.TaskConfiguration) error {
	s.mu.Lock()
	if _, exists := s.tasks[cfg.TaskID]; exists {
		s.mu.Unlock()
		return taskerr.Invariant("spawn", fmt.Errorf("task %q is already running", cfg.TaskID))
	}
	s.mu.Unlock()

	s.publish(cfg.TaskID, types.TaskStarting, "")

	ad, err := s.newAdapter(cfg)
	if err != nil {
		s.publish(cfg.TaskID, types.TaskFailed, err.Error())
		return taskerr.Config("spawn", err)
	}

	creds, err := s.resolveCreds(cfg.AccountRef)
	if err != nil {
		s.publish(cfg.TaskID, types.TaskFailed, err.Error())
		return taskerr.Config("spawn", err)
	}

	authCtx, authCancel := context.WithTimeout(s.rootCtx, defaultAuthTimeout)
	defer authCancel()
	if _, err := ad.Authenticate(authCtx, creds); err != nil {
		s.publish(cfg.TaskID, types.TaskFailed, err.Error())
		return taskerr.Auth("spawn", err)
	}

	if err := s.cancelPreexistingOrders(authCtx, ad, cfg.Symbol); err != nil {
		// Non-fatal: a task still starts over an exchange that is slow to
		// report its own open orders, and the strategy loop's own
		// reconciliation will converge on the first few ticks regardless.
		s.logger.Warn("startup reconciliation had errors", "task_id", cfg.TaskID, "error", err)
	}

	trk := tracker.New(cfg.TaskID, cfg.SentTimeout, s.logger)
	guard := risk.New(s.riskConfig, cfg.TaskID, s.logger)

	priceSlot := s.hub.SubscribePrice(cfg.Symbol)
	connSlot := s.hub.SubscribeConnectionState()
	orderEvents := s.hub.RegisterOrderSink(cfg.TaskID)

	loop := strategy.New(cfg, ad, trk, guard, priceSlot, connSlot, orderEvents, s.statusCh, s.logger)

	taskCtx, cancel := context.WithCancel(s.rootCtx)
	rec := &taskRecord{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		loop:   loop,
		status: types.TaskStatus{Kind: types.TaskRunning},
	}

	s.mu.Lock()
	s.tasks[cfg.TaskID] = rec
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runTask(taskCtx, rec)

	s.publish(cfg.TaskID, types.TaskRunning, "")
	return nil
}

// runTask is the task's dedicated goroutine. A panic here is recovered and
// reported as Failed without affecting any other task's goroutine — crash
// isolation is per-task by construction, since each task only ever runs on
// its own goroutine with its own Tracker and Guard.
func (s *Supervisor) runTask(ctx context.Context, rec *taskRecord) {
	defer s.wg.Done()
	defer close(rec.done)
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			s.logger.Error("task panicked", "task_id", rec.cfg.TaskID, "panic", r)
			rec.setStatus(types.TaskStatus{Kind: types.TaskFailed, Msg: msg})
			s.publish(rec.cfg.TaskID, types.TaskFailed, msg)
		}
	}()
	rec.loop.Run(ctx)
	rec.setStatus(types.TaskStatus{Kind: types.TaskStopped})
}

func (s *Supervisor) cancelPreexistingOrders(ctx context.Context, ad adapter.Adapter, symbol string) error {
	open, err := ad.QueryOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range open {
		if _, err := ad.CancelOrder(ctx, types.CancelRequest{ClOrdID: o.ClOrdID, ExchangeOrderID: o.ExchangeOrderID}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop tears down exactly one task, waiting up to its configured
// StopDeadline for the strategy loop's own shutdown (cancel orders, close
// positions if configured) to finish. If the deadline is exceeded the task
// is abandoned and reported Failed{stop_timeout}; other tasks are
// unaffected (spec §8 property: "stop one, keep the others running").
func (s *Supervisor) Stop(taskID string) error {
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return taskerr.Invariant("stop", fmt.Errorf("unknown task %q", taskID))
	}

	s.publish(taskID, types.TaskStopping, "")
	rec.cancel()

	select {
	case <-rec.done:
		s.detach(taskID)
		return nil
	case <-time.After(rec.cfg.StopDeadline):
		s.logger.Error("task did not stop within deadline, abandoning", "task_id", taskID, "deadline", rec.cfg.StopDeadline)
		rec.setStatus(types.TaskStatus{Kind: types.TaskFailed, Msg: "stop_timeout"})
		s.publish(taskID, types.TaskFailed, "stop_timeout")
		s.detach(taskID)
		return taskerr.Invariant("stop", fmt.Errorf("task %q did not stop within %s", taskID, rec.cfg.StopDeadline))
	}
}

func (s *Supervisor) detach(taskID string) {
	s.hub.UnregisterOrderSink(taskID)
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
}

// ShutdownAndWait cancels every task and waits up to deadline for all of
// their goroutines to join, returning a terminal-state summary regardless
// of whether the deadline was hit.
func (s *Supervisor) ShutdownAndWait(deadline time.Duration) types.ShutdownSummary {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.publish(id, types.TaskStopping, "")
	}
	s.rootCancel()

	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(deadline):
		s.logger.Error("shutdown deadline exceeded, some tasks may not have stopped cleanly", "deadline", deadline)
	}

	summary := types.ShutdownSummary{Tasks: make([]types.TaskOutcome, 0, len(ids))}
	s.mu.Lock()
	for _, id := range ids {
		rec, ok := s.tasks[id]
		if !ok {
			continue
		}
		summary.Tasks = append(summary.Tasks, types.TaskOutcome{TaskID: id, Status: rec.currentStatus()})
		s.hub.UnregisterOrderSink(id)
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	return summary
}

func (s *Supervisor) publish(taskID string, kind types.TaskStatusKind, msg string) {
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	s.mu.Unlock()
	if ok {
		rec.setStatus(types.TaskStatus{Kind: kind, Msg: msg})
	}

	ev := types.TaskStatusEvent{TaskID: taskID, Status: types.TaskStatus{Kind: kind, Msg: msg}, Time: time.Now()}
	select {
	case s.statusCh <- ev:
	default:
		s.logger.Warn("status channel full, dropping event", "task_id", taskID, "kind", kind)
	}
}
