// Package bootstrap brings a session to the instructions page of the
// booking flow, either through the deep links or through the landing menus.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/cycle"
	"github.com/example/cita-scheduler/internal/humanize"
	"github.com/example/cita-scheduler/internal/site"
)

// Readiness is the result of a bootstrap that did not fail outright.
type Readiness int

const (
	NotReady Readiness = iota
	Ready
)

func (r Readiness) String() string {
	if r == Ready {
		return "ready"
	}
	return "not ready"
}

// Strategy bootstraps one attempt. The zero value is usable.
type Strategy struct {
	Logger *zap.Logger
	// Settle is the pause after each navigation.
	Settle time.Duration
	// WaitTimeout bounds each wait for a menu element.
	WaitTimeout time.Duration
	Sleep       humanize.SleepFunc
}

func (s *Strategy) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Strategy) settle(ctx context.Context) error {
	sleep := s.Sleep
	if sleep == nil {
		sleep = humanize.Pause
	}
	return sleep(ctx, s.Settle)
}

func (s *Strategy) waitTimeout() time.Duration {
	if s.WaitTimeout <= 0 {
		return 10 * time.Second
	}
	return s.WaitTimeout
}

// Bootstrap tries fast-forward unless the context already escalated to the
// watcher, and falls back to the watcher when the deep links do not land.
// Rate-limit and rejection pages come back as errors, never as NotReady.
func (s *Strategy) Bootstrap(ctx context.Context, c *cycle.Context) (Readiness, error) {
	log := s.logger().With(zap.String("province", string(c.Target.Province)))
	if c.Tactic == cycle.FastForward {
		r, err := s.fastForward(ctx, c)
		if err != nil || r == Ready {
			return r, err
		}
		log.Info("fast forward not loaded, starting from main page")
		c.Tactic = cycle.Watcher
	}
	r, err := s.watch(ctx, c)
	if err == nil && r == Ready {
		log.Info("loaded initial page")
	}
	return r, err
}

func (s *Strategy) fastForward(ctx context.Context, c *cycle.Context) (Readiness, error) {
	sess, p := c.Session, c.Profile
	first, second := c.URLs()

	if p.FirstLoad {
		if err := sess.ClearStorageAndCookies(ctx); err != nil {
			return NotReady, fmt.Errorf("clear storage: %w", err)
		}
	}
	if err := s.open(ctx, sess, first); err != nil {
		return NotReady, err
	}
	if p.FirstLoad {
		// the site sets storage on the province page, drop it again
		if err := sess.ClearStorageAndCookies(ctx); err != nil {
			s.logger().Warn("clear storage failed", zap.Error(err))
		}
	}
	if err := s.open(ctx, sess, second); err != nil {
		return NotReady, err
	}

	body, err := sess.VisibleText(ctx)
	if err != nil {
		return NotReady, fmt.Errorf("read page: %w", err)
	}
	if err := site.CheckBlockedText(ctx, sess, body, "fast-forward"); err != nil {
		return NotReady, err
	}
	if !strings.Contains(body, site.MarkerReady) {
		p.FirstLoad = true
		return NotReady, nil
	}
	p.FirstLoad = false
	return Ready, nil
}

func (s *Strategy) open(ctx context.Context, sess browser.Session, url string) error {
	if err := sess.Navigate(ctx, url); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	if err := site.CheckBlocked(ctx, sess, "navigate"); err != nil {
		return err
	}
	return s.settle(ctx)
}

func (s *Strategy) watch(ctx context.Context, c *cycle.Context) (Readiness, error) {
	sess, t := c.Session, c.Target

	if err := sess.ClearStorageAndCookies(ctx); err != nil {
		return NotReady, fmt.Errorf("clear storage: %w", err)
	}
	if err := s.open(ctx, sess, site.LandingURL); err != nil {
		return NotReady, err
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"province", func() error { return s.choose(ctx, sess, site.ProvinceSelect, t.ProvinceOption()) }},
		{"accept province", func() error { return s.press(ctx, sess, site.AcceptButton) }},
		{"cookies", func() error { return s.closeCookies(ctx, sess) }},
		{"operation", func() error { return s.choose(ctx, sess, t.OperationSelect(), string(t.Operation)) }},
		{"accept operation", func() error { return s.press(ctx, sess, site.AcceptButton) }},
	}
	for _, st := range steps {
		err := st.run()
		if err == nil {
			continue
		}
		if blocked := site.CheckBlocked(ctx, sess, "watcher"); blocked != nil {
			return NotReady, blocked
		}
		if errors.Is(err, browser.ErrTimeout) || errors.Is(err, browser.ErrNotFound) {
			s.logger().Info("watcher step not available", zap.String("step", st.name), zap.Error(err))
			return NotReady, nil
		}
		return NotReady, fmt.Errorf("watcher %s: %w", st.name, err)
	}
	return Ready, nil
}

func (s *Strategy) choose(ctx context.Context, sess browser.Session, loc browser.Locator, value string) error {
	if err := sess.WaitVisible(ctx, loc, s.waitTimeout()); err != nil {
		return err
	}
	return sess.SelectByValue(ctx, loc, value)
}

func (s *Strategy) press(ctx context.Context, sess browser.Session, loc browser.Locator) error {
	if err := sess.WaitVisible(ctx, loc, s.waitTimeout()); err != nil {
		return err
	}
	if err := sess.Press(ctx, loc, browser.KeyEnter); err != nil {
		return err
	}
	if err := site.CheckBlocked(ctx, sess, "navigate"); err != nil {
		return err
	}
	return s.settle(ctx)
}

// closeCookies dismisses the cookie banner when the page shows one.
func (s *Strategy) closeCookies(ctx context.Context, sess browser.Session) error {
	ok, err := sess.Exists(ctx, site.CookieClose)
	if err != nil || !ok {
		return err
	}
	return sess.Press(ctx, site.CookieClose, browser.KeyEnter)
}
