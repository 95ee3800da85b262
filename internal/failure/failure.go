// Package failure classifies everything that can go wrong in an attempt and
// decides how the engine recovers from it.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/cita-scheduler/internal/browser"
)

// Kind tags an abnormal attempt outcome.
type Kind int

const (
	Unclassified Kind = iota
	RateLimited
	Rejected
	SessionLost
	Timeout
	BootstrapUnready
	// FormNotReady only labels a missed attempt; steps return it as a
	// value and never raise it.
	FormNotReady
	CaptchaFailed
	Cancelled
)

var kindNames = map[Kind]string{
	Unclassified:     "unclassified",
	RateLimited:      "rate_limited",
	Rejected:         "rejected",
	SessionLost:      "session_lost",
	Timeout:          "timeout",
	BootstrapUnready: "bootstrap_unready",
	FormNotReady:     "form_not_ready",
	CaptchaFailed:    "captcha_failed",
	Cancelled:        "cancelled",
}

// Kinds lists every Kind.
func Kinds() []Kind {
	return []Kind{Unclassified, RateLimited, Rejected, SessionLost, Timeout, BootstrapUnready, FormNotReady, CaptchaFailed, Cancelled}
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failure tagged where it was detected.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New tags err with kind. err may be nil.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf tags a formatted message with kind.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify maps err to a Kind. Cancellation of ctx wins over whatever the
// error says, so a cancelled task is never retried.
func Classify(ctx context.Context, err error) Kind {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, browser.ErrTransport):
		return SessionLost
	case errors.Is(err, browser.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Unclassified
}

// Summary is a short human message for notifications; it never carries the
// wrapped error chain.
func Summary(k Kind) string {
	switch k {
	case RateLimited:
		return "the site is rate limiting us (429), backing off"
	case Rejected:
		return "the site rejected the request, restarting the browser"
	case SessionLost:
		return "lost the browser, restarting it"
	case Timeout:
		return "the page did not load in time"
	case BootstrapUnready:
		return "could not reach the appointment page"
	case FormNotReady:
		return "the form was not ready"
	case CaptchaFailed:
		return "captcha could not be solved"
	case Cancelled:
		return "cancelled"
	}
	return "unexpected error"
}
