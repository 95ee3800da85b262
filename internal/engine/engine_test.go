package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/browser/browsertest"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/humanize"
	"github.com/example/cita-scheduler/internal/notify"
	"github.com/example/cita-scheduler/internal/session"
	"github.com/example/cita-scheduler/internal/site"
	"github.com/example/cita-scheduler/internal/site/sitetest"
)

type noProcs struct{}

func (noProcs) List(context.Context) ([]session.Process, error) { return nil, nil }
func (noProcs) Kill(context.Context, int32) error              { return session.ErrNoProcess }

type gate struct{}

func (gate) Await(context.Context, string, string) error { return nil }

type harness struct {
	t       *testing.T
	profile *appointment.CustomerProfile
	site    sitetest.Options
	// prepare runs on every new session after the site is built.
	prepare    func(n int, s *browsertest.Session)
	factoryErr error

	mu       sync.Mutex
	sessions []*browsertest.Session
	sleeps   []time.Duration
	events   []notify.Event
	onSleep  func(d time.Duration)
}

func newHarness(t *testing.T) *harness {
	p := &appointment.CustomerProfile{
		CustomerID:  "c1",
		DocType:     appointment.DocNIE,
		DocValue:    "Y1234567Z",
		Name:        "IVAN PETROV",
		Phone:       "600000000",
		Email:       "ivan@example.com",
		Province:    appointment.ProvinceMadrid,
		Operation:   appointment.OpTomaHuellas,
		AutoOffice:  true,
		CaptchaMode: appointment.CaptchaManual,
	}
	p.ApplyDefaults()
	return &harness{
		t:       t,
		profile: p,
		site: sitetest.Options{
			Offices: []browser.Option{{Value: "16", Text: "CNP Aluche"}},
			Grid: appointment.SlotGrid{
				Dates: []string{"10/02/2025"},
				Rows:  []appointment.GridRow{{Time: "11:00", Cells: []string{"HUECO7"}}},
			},
			Code: "E2E-CODE",
		},
	}
}

func (h *harness) engine() (*Engine, *session.Manager) {
	factory := browser.FactoryFunc(func(context.Context, browser.Options) (browser.Session, error) {
		if h.factoryErr != nil {
			return nil, h.factoryErr
		}
		h.mu.Lock()
		n := len(h.sessions)
		s := browsertest.New(int32(100 + n))
		h.sessions = append(h.sessions, s)
		h.mu.Unlock()
		sitetest.Build(s, site.TargetFor(h.profile), h.site)
		if h.prepare != nil {
			h.prepare(n, s)
		}
		return s, nil
	})
	m := session.NewManager(factory, noProcs{}, session.Config{}, zaptest.NewLogger(h.t))

	cfg := DefaultConfig()
	cfg.Delay = humanize.Delay{Min: time.Minute, Max: time.Minute}
	cfg.Failure.RateLimitJitter = 0
	cfg.Steps.Pause = 0
	cfg.Steps.RefreshCycles = 1
	cfg.Settle = 0

	e := New(cfg, Deps{
		Sessions: m,
		Notifier: notify.NotifierFunc(func(_ context.Context, ev notify.Event) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, ev)
			return nil
		}),
		Human:  gate{},
		Logger: zaptest.NewLogger(h.t),
		Sleep: func(ctx context.Context, d time.Duration) error {
			if d > 0 {
				h.mu.Lock()
				h.sleeps = append(h.sleeps, d)
				h.mu.Unlock()
				if h.onSleep != nil {
					h.onSleep(d)
				}
			}
			return ctx.Err()
		},
	})
	return e, m
}

func (h *harness) count(kind notify.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestRunFallsBackToWatcherAndConfirms(t *testing.T) {
	h := newHarness(t)
	h.site.BrokenFastForward = true
	e, m := h.engine()

	res := e.Run(context.Background(), h.profile, 5)
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
	require.NotNil(t, res.Confirmed)
	assert.Equal(t, "E2E-CODE", res.Confirmed.Code)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, h.sessions, 1)
	s := h.sessions[0]
	assert.Contains(t, s.Visited, site.LandingURL)
	assert.Contains(t, s.Executed, "confirmarHueco({id: 'HUECO7'}, 7);")
	assert.Equal(t, 1, s.QuitCount())
	assert.Empty(t, m.Active())
	assert.Equal(t, 1, h.count(notify.Attempt))
	assert.Zero(t, h.count(notify.Error))
}

func TestRunBacksOffWhenRateLimited(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(_ int, s *browsertest.Session) {
		provinceURL := site.TargetFor(h.profile).ProvinceURL()
		s.AddPage("too-many", &browsertest.Page{Title: "429 Too Many Requests"})
		s.Route(provinceURL, "too-many")
		hits := 0
		s.OnNavigate = func(url string) {
			if url != provinceURL {
				return
			}
			hits++
			if hits == 4 {
				s.Route(provinceURL, sitetest.Blank)
			}
		}
	}
	e, _ := h.engine()

	res := e.Run(context.Background(), h.profile, 10)
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 4, res.Attempts)
	assert.Len(t, h.sessions, 1, "a responsive session is kept")
	assert.Equal(t, []time.Duration{
		10 * time.Minute, time.Minute,
		10 * time.Minute, time.Minute,
		10 * time.Minute, time.Minute,
	}, h.sleeps)
	assert.Equal(t, 3, h.count(notify.Error))
	assert.Equal(t, 4, h.count(notify.Attempt))
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	h.site.BrokenFastForward = true
	h.site.NoWatcher = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onSleep = func(time.Duration) { cancel() }
	e, m := h.engine()

	res := e.Run(ctx, h.profile, 10)
	assert.Equal(t, Cancelled, res.Outcome)
	assert.Nil(t, res.Confirmed)
	require.Len(t, h.sessions, 1)
	assert.Equal(t, 1, h.sessions[0].QuitCount())
	assert.Empty(t, m.Active())
}

func TestRunAbortsAfterUnclassifiedCeiling(t *testing.T) {
	h := newHarness(t)
	h.factoryErr = errors.New("chrome: executable not found")
	e, m := h.engine()

	res := e.Run(context.Background(), h.profile, 20)
	assert.Equal(t, Aborted, res.Outcome)
	assert.Equal(t, 6, res.Attempts)
	assert.ErrorIs(t, res.Err, h.factoryErr)
	assert.Empty(t, m.Active())
}

func TestRunReplacesLostSession(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(n int, s *browsertest.Session) {
		if n == 0 {
			s.Fail["navigate"] = browser.ErrTransport
		}
	}
	e, _ := h.engine()

	res := e.Run(context.Background(), h.profile, 5)
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, h.sessions, 2)
	assert.Equal(t, 1, h.sessions[0].QuitCount())
	assert.Equal(t, 1, h.sessions[1].QuitCount())
}

func TestRunExhausted(t *testing.T) {
	h := newHarness(t)
	h.site.Offices = nil
	e, _ := h.engine()

	res := e.Run(context.Background(), h.profile, 3)
	assert.Equal(t, Exhausted, res.Outcome)
	assert.Equal(t, 3, res.Attempts)

	var delays int
	for _, d := range h.sleeps {
		if d == time.Minute {
			delays++
		}
	}
	assert.Equal(t, 2, delays, "no delay after the last attempt")
}

func TestRunMissingFormFieldIsNotAFailure(t *testing.T) {
	h := newHarness(t)
	h.profile.Country = "ATLANTIDA"
	e, _ := h.engine()

	res := e.Run(context.Background(), h.profile, 1)
	assert.Equal(t, Exhausted, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Zero(t, h.count(notify.Error))
	require.Len(t, h.sessions, 1, "a missed attempt keeps the session")
}

func TestRunRetriesFastForwardEachAttempt(t *testing.T) {
	h := newHarness(t)
	h.site.BrokenFastForward = true
	h.site.Offices = nil
	e, _ := h.engine()

	res := e.Run(context.Background(), h.profile, 2)
	assert.Equal(t, Exhausted, res.Outcome)
	require.Len(t, h.sessions, 1)

	deepLink := site.TargetFor(h.profile).ProvinceURL()
	var fastForward, landing int
	for _, u := range h.sessions[0].Visited {
		switch u {
		case deepLink:
			fastForward++
		case site.LandingURL:
			landing++
		}
	}
	assert.Equal(t, 2, fastForward, "a fallback to the menus lasts one attempt")
	assert.Equal(t, 2, landing)
}

func TestRunEscalatesUnreadyBootstrap(t *testing.T) {
	h := newHarness(t)
	h.site.BrokenFastForward = true
	h.site.NoWatcher = true
	e, _ := h.engine()

	res := e.Run(context.Background(), h.profile, 2)
	assert.Equal(t, Exhausted, res.Outcome)
	require.Len(t, h.sessions, 2, "second unready bootstrap recreates the session")

	first := h.sessions[0]
	require.Len(t, first.Visited, 4)
	assert.Equal(t, site.LandingURL, first.Visited[2])
	assert.Equal(t, site.LandingURL, first.Visited[3], "escalated attempt skips fast forward")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "aborted", Aborted.String())
}
