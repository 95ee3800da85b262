// Package steps drives the booking form from the instructions page to the
// confirmation page. Steps return (false, nil) when the site simply has
// nothing to offer right now; only real failures come back as errors.
package steps

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/artifacts"
	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/captcha"
	"github.com/example/cita-scheduler/internal/cycle"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/humanize"
	"github.com/example/cita-scheduler/internal/site"
)

// Solver answers the slot page challenges.
type Solver interface {
	SolveRecaptchaV3(ctx context.Context, websiteURL, siteKey, action string) (captcha.Solution, error)
	SolveImage(ctx context.Context, img []byte) (captcha.Solution, error)
	Report(ctx context.Context, sol captcha.Solution, correct bool) error
}

// CodeSource fetches the SMS verification code sent by the site.
type CodeSource interface {
	Code(ctx context.Context, token string) (string, error)
}

// HumanGate hands a step to a person and blocks until they are done.
type HumanGate interface {
	Await(ctx context.Context, taskKey, prompt string) error
}

var errNoHuman = errors.New("manual step requested but no operator is attached")

type Config struct {
	FormTimeout       time.Duration
	SubmitTimeout     time.Duration
	RefreshCycles     int
	OfficeRetryWait   time.Duration
	RandomOfficeTries int
	ExactTimeLimit    time.Duration
	// Pause is the typical gap between two interactions.
	Pause time.Duration
}

func DefaultConfig() Config {
	return Config{
		FormTimeout:       10 * time.Second,
		SubmitTimeout:     7 * time.Second,
		RefreshCycles:     10,
		OfficeRetryWait:   5 * time.Second,
		RandomOfficeTries: 5,
		ExactTimeLimit:    20 * time.Minute,
		Pause:             2 * time.Second,
	}
}

// Flow runs the form steps for one task.
type Flow struct {
	Config    Config
	Logger    *zap.Logger
	Solver    Solver
	Codes     CodeSource
	Human     HumanGate
	Artifacts *artifacts.Store
	Sleep     humanize.SleepFunc
	Now       func() time.Time

	rngOnce sync.Once
	rng     *rand.Rand
}

// Attempt is the outcome of one pass through the form. Confirmed is nil when
// the attempt missed; MissedAt then names the step that came up empty.
type Attempt struct {
	Confirmed *appointment.ConfirmedResult
	MissedAt  string
}

func missed(step string) (Attempt, error) { return Attempt{MissedAt: step}, nil }

// Run walks every step after bootstrap.
func (f *Flow) Run(ctx context.Context, c *cycle.Context) (Attempt, error) {
	s, p := c.Session, c.Profile

	sequence := []struct {
		name string
		run  func(context.Context, browser.Session, *appointment.CustomerProfile) (bool, error)
	}{
		{"instructions", func(ctx context.Context, s browser.Session, _ *appointment.CustomerProfile) (bool, error) {
			return f.EnterForm(ctx, s)
		}},
		{"personal info", f.FillPersonalInfo},
		{"submit", func(ctx context.Context, s browser.Session, _ *appointment.CustomerProfile) (bool, error) {
			return f.SubmitPersonalInfo(ctx, s)
		}},
		{"exact time", func(ctx context.Context, _ browser.Session, p *appointment.CustomerProfile) (bool, error) {
			return f.WaitExactTime(ctx, p)
		}},
		{"office", f.SelectOffice},
		{"contact info", f.FillContactInfo},
	}
	for _, st := range sequence {
		ok, err := st.run(ctx, s, p)
		if err != nil {
			return Attempt{}, err
		}
		if !ok {
			return missed(st.name)
		}
	}

	pick, err := f.PickSlot(ctx, s, p)
	if err != nil {
		return Attempt{}, err
	}
	if pick == nil {
		return missed("slot selection")
	}
	res, err := f.Confirm(ctx, s, p, pick)
	if err != nil {
		return Attempt{}, err
	}
	if res == nil {
		return missed("confirmation")
	}
	return Attempt{Confirmed: res}, nil
}

// EnterForm leaves the instructions page.
func (f *Flow) EnterForm(ctx context.Context, s browser.Session) (bool, error) {
	ok, err := f.waitFor(ctx, s, site.EnterButton, f.cfg().FormTimeout, "instructions")
	if err != nil || !ok {
		return false, err
	}
	if err := s.Press(ctx, site.EnterButton, browser.KeyEnter); err != nil {
		return false, f.formErr("instructions", err)
	}
	return true, nil
}

// SubmitPersonalInfo sends the personal info form and waits for the
// request page.
func (f *Flow) SubmitPersonalInfo(ctx context.Context, s browser.Session) (bool, error) {
	if err := f.pause(ctx); err != nil {
		return false, err
	}
	if err := s.Press(ctx, site.SubmitButton, browser.KeyEnter); err != nil {
		return false, f.formErr("submit", err)
	}
	return f.waitFor(ctx, s, site.ConsultButton, f.cfg().SubmitTimeout, "submit")
}

func (f *Flow) cfg() Config {
	c := f.Config
	d := DefaultConfig()
	if c.FormTimeout <= 0 {
		c.FormTimeout = d.FormTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.RefreshCycles <= 0 {
		c.RefreshCycles = d.RefreshCycles
	}
	if c.RandomOfficeTries <= 0 {
		c.RandomOfficeTries = d.RandomOfficeTries
	}
	if c.ExactTimeLimit <= 0 {
		c.ExactTimeLimit = d.ExactTimeLimit
	}
	return c
}

func (f *Flow) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *Flow) sleep(ctx context.Context, d time.Duration) error {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	return humanize.Sleep(ctx, d)
}

func (f *Flow) pause(ctx context.Context) error {
	return f.sleep(ctx, humanize.Between(f.Config.Pause/2, f.Config.Pause+f.Config.Pause/2))
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Flow) intn(n int) int {
	f.rngOnce.Do(func() {
		if f.rng == nil {
			f.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
	})
	return f.rng.Intn(n)
}

// waitFor reports false when loc did not show up in time, after making
// sure the reason is not a block page.
func (f *Flow) waitFor(ctx context.Context, s browser.Session, loc browser.Locator, timeout time.Duration, step string) (bool, error) {
	err := s.WaitVisible(ctx, loc, timeout)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, browser.ErrTimeout) {
		return false, err
	}
	if blocked := site.CheckBlocked(ctx, s, step); blocked != nil {
		return false, blocked
	}
	f.logger().Info("timed out waiting for page", zap.String("step", step), zap.String("element", loc.String()))
	return false, nil
}

func (f *Flow) human(ctx context.Context, p *appointment.CustomerProfile, prompt string) error {
	if f.Human == nil {
		return errNoHuman
	}
	return f.Human.Await(ctx, p.RegionKey(), prompt)
}

func (f *Flow) save(p *appointment.CustomerProfile, prefix, ext string, data []byte) {
	if !p.SaveArtifacts || len(data) == 0 {
		return
	}
	if _, err := f.Artifacts.Save(prefix, ext, data); err != nil {
		f.logger().Warn("save artifact failed", zap.String("kind", prefix), zap.Error(err))
	}
}

func (f *Flow) screenshot(ctx context.Context, s browser.Session, p *appointment.CustomerProfile, prefix string) {
	if !p.SaveArtifacts {
		return
	}
	b, err := s.Screenshot(ctx)
	if err != nil {
		f.logger().Warn("screenshot failed", zap.Error(err))
		return
	}
	f.save(p, prefix, "png", b)
}

// formErr turns a missing element in the middle of a form into an ordinary
// miss: the caller returns not-ready with a nil error and the attempt ends
// without a failure.
func (f *Flow) formErr(op string, err error) error {
	if errors.Is(err, browser.ErrNotFound) {
		f.logger().Info("form not ready", zap.String("step", op), zap.Error(err))
		return nil
	}
	return err
}
