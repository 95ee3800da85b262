// Package supervisor runs acquisition tasks concurrently, at most one per
// region key, and reports how each one ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/engine"
	"github.com/example/cita-scheduler/internal/failure"
	"github.com/example/cita-scheduler/internal/notify"
)

var ErrShuttingDown = errors.New("supervisor is shutting down")

// Runner runs one task to completion. *engine.Engine is the production Runner.
type Runner interface {
	Run(ctx context.Context, p *appointment.CustomerProfile, maxCycles int) engine.Result
}

// Recorder persists task lifecycles. Errors are logged, never fatal to the task.
type Recorder interface {
	TaskStarted(ctx context.Context, info TaskInfo, p *appointment.CustomerProfile) error
	TaskFinished(ctx context.Context, info TaskInfo, res engine.Result) error
}

type State string

const (
	Running   State = "running"
	Succeeded State = "succeeded"
	Cancelled State = "cancelled"
	Exhausted State = "exhausted"
	Aborted   State = "aborted"
)

func stateOf(o engine.Outcome) State {
	switch o {
	case engine.Success:
		return Succeeded
	case engine.Cancelled:
		return Cancelled
	case engine.Exhausted:
		return Exhausted
	}
	return Aborted
}

type TaskInfo struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	CustomerID string    `json:"customer_id"`
	Province   string    `json:"province"`
	Operation  string    `json:"operation"`
	MaxCycles  int       `json:"max_cycles"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type Options struct {
	MaxCycles int
	Notifier  notify.Notifier
	Recorder  Recorder
	Logger    *zap.Logger
	Now       func() time.Time
}

type handle struct {
	info   TaskInfo
	cancel context.CancelFunc
	done   chan struct{}
	result engine.Result
}

type Supervisor struct {
	runner    Runner
	maxCycles int
	notifier  notify.Notifier
	recorder  Recorder
	log       *zap.Logger
	now       func() time.Time

	base     context.Context
	stopBase context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*handle
	starting map[string]*sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

func New(r Runner, opts Options) *Supervisor {
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = 1
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, stop := context.WithCancel(context.Background())
	return &Supervisor{
		runner:    r,
		maxCycles: opts.MaxCycles,
		notifier:  opts.Notifier,
		recorder:  opts.Recorder,
		log:       opts.Logger.Named("supervisor"),
		now:       opts.Now,
		base:      base,
		stopBase:  stop,
		tasks:     map[string]*handle{},
		starting:  map[string]*sync.Mutex{},
	}
}

// Start launches a task for p. A task already running under the same region
// key is cancelled, and its session released, before the new one begins.
// ctx bounds only the wait for that teardown; the task itself outlives it.
func (s *Supervisor) Start(ctx context.Context, p *appointment.CustomerProfile) (TaskInfo, error) {
	if err := p.Validate(); err != nil {
		return TaskInfo{}, fmt.Errorf("invalid profile: %w", err)
	}
	key := p.RegionKey()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return TaskInfo{}, ErrShuttingDown
	}
	km, ok := s.starting[key]
	if !ok {
		km = &sync.Mutex{}
		s.starting[key] = km
	}
	s.mu.Unlock()

	km.Lock()
	defer km.Unlock()

	s.mu.Lock()
	prev := s.tasks[key]
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return TaskInfo{}, fmt.Errorf("waiting for task %s to stop: %w", prev.info.ID, ctx.Err())
		}
		s.log.Info("superseded task", zap.String("task", key), zap.String("task_id", prev.info.ID))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return TaskInfo{}, ErrShuttingDown
	}
	h := &handle{
		info: TaskInfo{
			ID:         uuid.NewString(),
			Key:        key,
			CustomerID: p.CustomerID,
			Province:   string(p.Province),
			Operation:  string(p.Operation),
			MaxCycles:  s.maxCycles,
			State:      Running,
			StartedAt:  s.now(),
		},
		done: make(chan struct{}),
	}
	tctx, cancel := context.WithCancel(notify.WithTaskID(s.base, h.info.ID))
	h.cancel = cancel
	s.tasks[key] = h
	s.wg.Add(1)
	s.mu.Unlock()

	info := h.info
	if s.recorder != nil {
		if err := s.recorder.TaskStarted(tctx, info, p); err != nil {
			s.log.Warn("record task start", zap.String("task", key), zap.Error(err))
		}
	}
	s.emit(tctx, notify.Event{
		Kind:        notify.Started,
		TaskKey:     key,
		TaskID:      info.ID,
		MaxAttempts: s.maxCycles,
		Message:     fmt.Sprintf("task started for province %s, operation %s", p.Province, p.Operation),
	})

	go s.run(tctx, h, p)
	return info, nil
}

func (s *Supervisor) run(ctx context.Context, h *handle, p *appointment.CustomerProfile) {
	defer s.wg.Done()
	defer close(h.done)
	defer h.cancel()

	res := s.runner.Run(ctx, p, h.info.MaxCycles)
	s.finish(ctx, h, res)
}

// finish is the one place a task's Result is consumed.
func (s *Supervisor) finish(ctx context.Context, h *handle, res engine.Result) {
	s.mu.Lock()
	h.result = res
	h.info.State = stateOf(res.Outcome)
	h.info.Attempts = res.Attempts
	h.info.FinishedAt = s.now()
	if res.Confirmed != nil {
		h.info.Code = res.Confirmed.Code
	}
	if res.Err != nil {
		h.info.Error = res.Err.Error()
	}
	info := h.info
	s.mu.Unlock()

	// The task context is already cancelled on the Cancelled path.
	rctx := context.WithoutCancel(ctx)
	e := notify.Event{TaskKey: info.Key, TaskID: info.ID, Attempt: res.Attempts, MaxAttempts: info.MaxCycles}
	switch res.Outcome {
	case engine.Success:
		e.Kind = notify.SlotFound
		e.Code = res.Confirmed.Code
		e.Screenshot = res.Confirmed.Screenshot
		e.Message = fmt.Sprintf("appointment confirmed, code %s", res.Confirmed.Code)
	case engine.Cancelled:
		e.Kind = notify.Cancelled
		e.Message = "task cancelled"
	case engine.Exhausted:
		e.Kind = notify.Exhausted
		e.Message = fmt.Sprintf("no appointment after %d attempts", res.Attempts)
	default:
		e.Kind = notify.Aborted
		e.Message = fmt.Sprintf("task aborted after %d attempts", res.Attempts)
		if res.Err != nil {
			e.Message += ": " + failure.Summary(failure.Classify(rctx, res.Err))
			s.log.Error("task aborted", zap.String("task", info.Key), zap.String("task_id", info.ID), zap.Error(res.Err))
		}
	}
	s.emit(rctx, e)

	if s.recorder != nil {
		if err := s.recorder.TaskFinished(rctx, info, res); err != nil {
			s.log.Warn("record task finish", zap.String("task", info.Key), zap.Error(err))
		}
	}
	s.log.Info("task finished",
		zap.String("task", info.Key),
		zap.String("task_id", info.ID),
		zap.String("state", string(info.State)),
		zap.Int("attempts", res.Attempts),
	)
}

func (s *Supervisor) emit(ctx context.Context, e notify.Event) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.log.Warn("notify", zap.String("task", e.TaskKey), zap.Error(err))
	}
}

// Cancel stops the running task under key. It reports false when there is
// none.
func (s *Supervisor) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[key]
	if !ok || h.info.State != Running {
		return false
	}
	h.cancel()
	return true
}

// List returns the region keys of running tasks, sorted.
func (s *Supervisor) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k, h := range s.tasks {
		if h.info.State == Running {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Tasks returns the latest task for every region key, running or not.
func (s *Supervisor) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, h := range s.tasks {
		out = append(out, h.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Wait blocks until the current task under key ends and returns its result.
// ok is false when no task was ever started under key.
func (s *Supervisor) Wait(ctx context.Context, key string) (res engine.Result, ok bool, err error) {
	s.mu.Lock()
	h, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return engine.Result{}, false, nil
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return engine.Result{}, true, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.result, true, nil
}

// Shutdown cancels every task and waits for them to release their sessions.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
