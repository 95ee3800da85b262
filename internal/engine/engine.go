// Package engine runs the acquisition cycle for one task: bootstrap, form
// steps, failure classification and recovery, repeated until a slot is
// confirmed, the cycles run out or the task is cancelled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/artifacts"
	"github.com/example/cita-scheduler/internal/bootstrap"
	"github.com/example/cita-scheduler/internal/cycle"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/failure"
	"github.com/example/cita-scheduler/internal/humanize"
	"github.com/example/cita-scheduler/internal/notify"
	"github.com/example/cita-scheduler/internal/session"
	"github.com/example/cita-scheduler/internal/steps"
)

type Outcome int

const (
	Success Outcome = iota
	Cancelled
	Exhausted
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Cancelled:
		return "cancelled"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what a task run hands to its reporter. Confirmed is set only on
// Success; Err carries the last failure for Aborted.
type Result struct {
	Outcome   Outcome
	Confirmed *appointment.ConfirmedResult
	Attempts  int
	Err       error
}

// Inbox is the SMS inbox of a task.
type Inbox interface {
	steps.CodeSource
	Clear(ctx context.Context, token string) error
}

type Config struct {
	Delay        humanize.Delay
	Failure      failure.Settings
	Steps        steps.Config
	Settle       time.Duration
	MenuTimeout  time.Duration
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Delay:        humanize.Delay{Min: 2 * time.Minute, Max: 5 * time.Minute},
		Failure:      failure.DefaultSettings(),
		Steps:        steps.DefaultConfig(),
		Settle:       5 * time.Second,
		MenuTimeout:  10 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

type Deps struct {
	Sessions  *session.Manager
	Notifier  notify.Notifier
	Inbox     Inbox
	Solvers   func(apiKey string) steps.Solver
	Human     steps.HumanGate
	Artifacts *artifacts.Store
	Logger    *zap.Logger
	Sleep     humanize.SleepFunc
}

type Engine struct {
	cfg      Config
	deps     Deps
	policies map[failure.Kind]failure.Policy
}

func New(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop
	}
	if deps.Sleep == nil {
		deps.Sleep = humanize.Sleep
	}
	deps.Logger = deps.Logger.Named("engine")
	return &Engine{cfg: cfg, deps: deps, policies: failure.DefaultPolicies(cfg.Failure)}
}

// WithNotifier returns a copy of e reporting to n.
func (e *Engine) WithNotifier(n notify.Notifier) *Engine {
	c := *e
	c.deps.Notifier = n
	return &c
}

// task is the state of one Run.
type task struct {
	*Engine
	profile  *appointment.CustomerProfile
	key      string
	max      int
	log      *zap.Logger
	lease    *session.Lease
	flow     *steps.Flow
	boot     *bootstrap.Strategy
	recovery *failure.Recovery
	tactic   cycle.Tactic
}

// Run works p for at most maxCycles attempts. The task's browser session is
// released before Run returns, whatever the outcome.
func (e *Engine) Run(ctx context.Context, p *appointment.CustomerProfile, maxCycles int) Result {
	t := &task{
		Engine:   e,
		profile:  p,
		key:      p.RegionKey(),
		max:      maxCycles,
		log:      e.deps.Logger.With(zap.String("task", p.RegionKey())),
		recovery: failure.NewRecovery(e.policies, rand.New(rand.NewSource(time.Now().UnixNano()))),
		tactic:   cycle.FastForward,
	}
	t.boot = &bootstrap.Strategy{
		Logger:      t.log.Named("bootstrap"),
		Settle:      e.cfg.Settle,
		WaitTimeout: e.cfg.MenuTimeout,
		Sleep:       e.deps.Sleep,
	}
	t.flow = &steps.Flow{
		Config:    e.cfg.Steps,
		Logger:    t.log.Named("steps"),
		Codes:     e.deps.Inbox,
		Human:     e.deps.Human,
		Artifacts: e.deps.Artifacts,
		Sleep:     e.deps.Sleep,
	}
	if p.CaptchaMode == appointment.CaptchaAuto && e.deps.Solvers != nil {
		t.flow.Solver = e.deps.Solvers(p.CaptchaAPIKey)
	}

	lease, err := e.deps.Sessions.Acquire(ctx, t.key, session.AcquireOptions{UseProxy: p.UseProxy})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled}
		}
		return Result{Outcome: Aborted, Err: err}
	}
	t.lease = lease
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			t.log.Warn("release session", zap.Error(err))
		}
	}()

	return t.run(ctx)
}

func (t *task) run(ctx context.Context) Result {
	p := t.profile
	if p.SMSWebhookToken != "" && t.deps.Inbox != nil {
		if err := t.deps.Inbox.Clear(ctx, p.SMSWebhookToken); err != nil {
			t.log.Warn("clear sms inbox", zap.Error(err))
		}
	}

	for i := 1; i <= t.max; i++ {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Attempts: i - 1}
		}
		log := t.log.With(zap.Int("attempt", i))
		log.Info("attempt", zap.Int("max_attempts", t.max), zap.Stringer("tactic", t.tactic))
		t.notify(ctx, notify.Event{
			Kind:        notify.Attempt,
			Attempt:     i,
			MaxAttempts: t.max,
			Message:     fmt.Sprintf("attempt %d/%d for province %s", i, t.max, p.Province),
		})

		att, err := t.attempt(ctx)
		switch {
		case err == nil && att.Confirmed != nil:
			t.recovery.Succeeded()
			log.Info("slot confirmed", zap.String("code", att.Confirmed.Code))
			return Result{Outcome: Success, Confirmed: att.Confirmed, Attempts: i}
		case err == nil:
			t.recovery.Succeeded()
			log.Info("attempt missed", zap.String("step", att.MissedAt))
		default:
			res, stop := t.absorb(ctx, log, err, i)
			if stop {
				return res
			}
		}

		if i < t.max {
			if err := t.deps.Sleep(ctx, t.cfg.Delay.Next()); err != nil {
				return Result{Outcome: Cancelled, Attempts: i}
			}
		}
	}
	return Result{Outcome: Exhausted, Attempts: t.max}
}

func (t *task) attempt(ctx context.Context) (steps.Attempt, error) {
	s, err := t.lease.Session(ctx)
	if err != nil {
		return steps.Attempt{}, fmt.Errorf("start browser: %w", err)
	}
	c := cycle.New(s, t.profile, t.tactic)
	r, err := t.boot.Bootstrap(ctx, c)
	if err != nil {
		return steps.Attempt{}, err
	}
	if r != bootstrap.Ready {
		return steps.Attempt{}, failure.Newf(failure.BootstrapUnready, "bootstrap", "instructions page not reached by %s", c.Tactic)
	}
	return t.flow.Run(ctx, c)
}

// absorb applies the policy for err. It reports stop when the task must end.
func (t *task) absorb(ctx context.Context, log *zap.Logger, err error, i int) (Result, bool) {
	kind := failure.Classify(ctx, err)
	if kind == failure.Cancelled {
		return Result{Outcome: Cancelled, Attempts: i}, true
	}

	responsive := true
	if t.policies[kind].Recreate == failure.RecreateIfUnresponsive {
		responsive = t.probe(ctx)
	}
	d := t.recovery.Decide(kind, responsive)
	log.Warn("attempt failed",
		zap.Stringer("kind", kind),
		zap.Int("consecutive", d.Consecutive),
		zap.Duration("wait", d.Wait),
		zap.Bool("recreate", d.Recreate),
		zap.Error(err),
	)
	t.notify(ctx, notify.Event{Kind: notify.Error, Attempt: i, MaxAttempts: t.max, Message: failure.Summary(kind)})

	if d.Abort {
		return Result{Outcome: Aborted, Attempts: i, Err: err}, true
	}
	if d.UseWatcher {
		t.tactic = cycle.Watcher
	}
	if d.Recreate {
		t.profile.FirstLoad = true
		t.tactic = cycle.FastForward
		if _, rerr := t.lease.Recover(ctx, d.KillOrphans); rerr != nil {
			if ctx.Err() != nil {
				return Result{Outcome: Cancelled, Attempts: i}, true
			}
			log.Warn("recreate session", zap.Error(rerr))
		}
	}
	if d.Wait > 0 {
		log.Info("backing off", zap.Duration("wait", d.Wait))
		if err := t.deps.Sleep(ctx, d.Wait); err != nil {
			return Result{Outcome: Cancelled, Attempts: i}, true
		}
	}
	return Result{}, false
}

// probe checks that the browser still answers.
func (t *task) probe(ctx context.Context) bool {
	s, err := t.lease.Session(ctx)
	if err != nil {
		return false
	}
	timeout := t.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = s.Title(pctx)
	return err == nil
}

func (t *task) notify(ctx context.Context, e notify.Event) {
	e.TaskKey = t.key
	if e.TaskID == "" {
		e.TaskID = notify.TaskIDFrom(ctx)
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := t.deps.Notifier.Notify(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn("notify", zap.Error(err))
	}
}
