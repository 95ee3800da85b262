// Package cycle carries the per-attempt state shared by bootstrap and the
// form steps.
package cycle

import (
	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/site"
)

// Tactic is how an attempt reaches the instructions page.
type Tactic int

const (
	// FastForward opens the deep links directly.
	FastForward Tactic = iota
	// Watcher walks the landing page menus.
	Watcher
)

func (t Tactic) String() string {
	if t == Watcher {
		return "watcher"
	}
	return "fast-forward"
}

// Context is built fresh for each attempt. Its Session is replaced when the
// lease recovers, never shared with another task.
type Context struct {
	Session browser.Session
	Profile *appointment.CustomerProfile
	Target  site.Target
	Tactic  Tactic
}

func New(s browser.Session, p *appointment.CustomerProfile, tactic Tactic) *Context {
	return &Context{
		Session: s,
		Profile: p,
		Target:  site.TargetFor(p),
		Tactic:  tactic,
	}
}

// URLs are the two fast-forward links.
func (c *Context) URLs() (province, operation string) {
	return c.Target.ProvinceURL(), c.Target.OperationURL()
}

// Category is the site section serving the province.
func (c *Context) Category() string { return c.Target.Category }
