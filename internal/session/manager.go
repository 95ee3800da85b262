// Package session owns browser process lifecycles: it creates sessions for
// tasks, replaces them on recovery, and cleans up processes that outlived
// their session.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/browser"
)

var (
	ErrLeaseHeld = errors.New("session: key already has a live lease")
	ErrReleased  = errors.New("session: lease already released")
)

// Config tunes session creation and orphan cleanup.
type Config struct {
	Browser       browser.Options
	DriverNames   []string
	BrowserNames  []string
	ProfileMarker string
	Proxies       []string
}

// DefaultDriverNames and DefaultBrowserNames are the executables treated as
// ours when found running without a live session.
var (
	DefaultDriverNames  = []string{"chromedriver", "geckodriver", "undetected_chromedriver"}
	DefaultBrowserNames = []string{"chrome", "google chrome", "chromium", "chromium-browser", "headless_shell", "firefox"}
)

// Manager is shared by all tasks of the process.
type Manager struct {
	factory browser.Factory
	procs   ProcessTable
	cfg     Config
	logger  *zap.Logger
	proxies *Rotator

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	leases  map[string]*Lease
	live    map[int32]string
	retired map[int32]struct{}
}

func NewManager(factory browser.Factory, procs ProcessTable, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.DriverNames) == 0 {
		cfg.DriverNames = DefaultDriverNames
	}
	if len(cfg.BrowserNames) == 0 {
		cfg.BrowserNames = DefaultBrowserNames
	}
	if cfg.ProfileMarker == "" {
		cfg.ProfileMarker = browser.ProfileDirPrefix
	}
	return &Manager{
		factory: factory,
		procs:   procs,
		cfg:     cfg,
		logger:  logger.Named("session"),
		proxies: NewRotator(cfg.Proxies),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		leases:  map[string]*Lease{},
		live:    map[int32]string{},
		retired: map[int32]struct{}{},
	}
}

// AcquireOptions are per-task choices.
type AcquireOptions struct {
	UseProxy bool
}

// Acquire opens the lease for key. The browser itself starts on first use.
// The caller must Release the lease on every exit path.
func (m *Manager) Acquire(_ context.Context, key string, opts AcquireOptions) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
	l := &Lease{m: m, key: key, opts: opts}
	m.leases[key] = l
	return l, nil
}

// Active lists the keys with a live lease.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.leases))
	for k := range m.leases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) newSession(ctx context.Context, l *Lease) (browser.Session, error) {
	opts := m.cfg.Browser
	m.rngMu.Lock()
	opts.UserAgent = browser.RandomUserAgent(m.rng)
	m.rngMu.Unlock()
	if l.opts.UseProxy {
		if p, ok := m.proxies.Next(); ok {
			opts.Proxy = p
		}
	}

	s, err := m.factory.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for _, pid := range s.PIDs() {
		m.live[pid] = l.key
	}
	m.mu.Unlock()
	m.logger.Info("session created", zap.String("task", l.key), zap.Int32s("pids", s.PIDs()), zap.Bool("proxy", opts.Proxy != ""))
	return s, nil
}

// retire quits s and moves its pids to the retired set so cleanup may kill
// whatever Quit left behind.
func (m *Manager) retire(ctx context.Context, key string, s browser.Session) {
	if err := s.Quit(ctx); err != nil {
		m.logger.Warn("quit failed", zap.String("task", key), zap.Error(err))
	}
	m.mu.Lock()
	for _, pid := range s.PIDs() {
		delete(m.live, pid)
		m.retired[pid] = struct{}{}
	}
	m.mu.Unlock()
}

func (m *Manager) drop(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[l.key] == l {
		delete(m.leases, l.key)
	}
}

// CleanupOrphans kills retired processes and any untracked process that
// looks like one of ours. Processes of live sessions, and their children,
// are never touched. A retired PID is only killed while it still looks like
// our browser, since the OS may have handed it to something else since. It
// returns how many processes were killed.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	procs, err := m.procs.List(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	retired := make(map[int32]bool, len(m.retired))
	for pid := range m.retired {
		retired[pid] = true
	}
	clear(m.retired)
	live := make(map[int32]bool, len(m.live))
	for pid := range m.live {
		live[pid] = true
	}
	m.mu.Unlock()

	killed := 0
	kill := func(pid int32, why string) {
		err := m.procs.Kill(ctx, pid)
		switch {
		case err == nil:
			killed++
			m.logger.Info("killed orphan", zap.Int32("pid", pid), zap.String("reason", why))
		case errors.Is(err, ErrNoProcess):
		default:
			m.logger.Warn("kill orphan failed", zap.Int32("pid", pid), zap.Error(err))
		}
	}

	parent := make(map[int32]int32, len(procs))
	for _, p := range procs {
		parent[p.PID] = p.PPID
	}
	for _, p := range procs {
		if live[p.PID] || descendsFrom(p.PID, parent, live) {
			continue
		}
		if !m.looksOurs(p) {
			if retired[p.PID] {
				m.logger.Debug("retired pid reused, skipping", zap.Int32("pid", p.PID), zap.String("name", p.Name))
			}
			continue
		}
		if retired[p.PID] {
			kill(p.PID, "retired")
			continue
		}
		kill(p.PID, "untracked "+p.Name)
	}
	return killed, nil
}

func descendsFrom(pid int32, parent map[int32]int32, live map[int32]bool) bool {
	seen := map[int32]bool{}
	for pid != 0 && !seen[pid] {
		seen[pid] = true
		pp, ok := parent[pid]
		if !ok {
			return false
		}
		if live[pp] {
			return true
		}
		pid = pp
	}
	return false
}

func (m *Manager) looksOurs(p Process) bool {
	name := strings.ToLower(strings.TrimSuffix(filepath.Base(p.Name), ".exe"))
	for _, d := range m.cfg.DriverNames {
		if name == strings.ToLower(d) {
			return true
		}
	}
	for _, b := range m.cfg.BrowserNames {
		if name == strings.ToLower(b) && strings.Contains(p.Cmdline, m.cfg.ProfileMarker) {
			return true
		}
	}
	return false
}

// Shutdown releases every lease still open.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		leases = append(leases, l)
	}
	m.mu.Unlock()
	for _, l := range leases {
		_ = l.Release(ctx)
	}
}

// Lease is one task's claim on a browser session. Creation, recovery and
// release are serialized by the lease's mutex, so a task never holds two
// sessions at once.
type Lease struct {
	m    *Manager
	key  string
	opts AcquireOptions

	mu       sync.Mutex
	sess     browser.Session
	released bool
	created  int
}

func (l *Lease) Key() string { return l.key }

// Session returns the current session, starting one if there is none.
func (l *Lease) Session(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil, ErrReleased
	}
	if l.sess != nil {
		return l.sess, nil
	}
	return l.createLocked(ctx)
}

func (l *Lease) createLocked(ctx context.Context) (browser.Session, error) {
	s, err := l.m.newSession(ctx, l)
	if err != nil {
		return nil, err
	}
	l.sess = s
	l.created++
	return s, nil
}

// Recover replaces the session. The old one is torn down before the new one
// starts; killOrphans also sweeps leaked processes in between.
func (l *Lease) Recover(ctx context.Context, killOrphans bool) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil, ErrReleased
	}
	if l.sess != nil {
		old := l.sess
		l.sess = nil
		l.m.retire(ctx, l.key, old)
	}
	if killOrphans {
		if _, err := l.m.CleanupOrphans(ctx); err != nil {
			l.m.logger.Warn("orphan cleanup failed", zap.String("task", l.key), zap.Error(err))
		}
	}
	return l.createLocked(ctx)
}

// Discard tears the session down without replacing it; the next Session
// call starts a fresh one.
func (l *Lease) Discard(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess != nil {
		old := l.sess
		l.sess = nil
		l.m.retire(ctx, l.key, old)
	}
}

// Created counts the sessions this lease has started.
func (l *Lease) Created() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created
}

// Release quits the session, if any, and frees the key. Only the first call
// does anything.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if l.sess != nil {
		old := l.sess
		l.sess = nil
		l.m.retire(context.WithoutCancel(ctx), l.key, old)
	}
	l.m.drop(l)
	l.m.logger.Debug("lease released", zap.String("task", l.key))
	return nil
}
