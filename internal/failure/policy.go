package failure

import (
	"math/rand"
	"sync"
	"time"
)

// RecreateMode says whether a failure replaces the browser session.
type RecreateMode int

const (
	RecreateNever RecreateMode = iota
	RecreateIfUnresponsive
	RecreateAlways
)

// Escalation is what happens once a kind repeats more than Policy.Limit times in a row.
type Escalation int

const (
	EscalateNone Escalation = iota
	EscalateRecreate
	EscalateAbort
)

// Policy is the recovery prescription for one Kind.
type Policy struct {
	Backoff     time.Duration
	Jitter      float64 // fraction of Backoff added or removed at random
	Recreate    RecreateMode
	KillOrphans bool
	UseWatcher  bool
	Limit       int
	Escalate    Escalation
	Terminal    bool
}

// Settings are the tunables of the default policy table.
type Settings struct {
	RateLimitBackoff    time.Duration
	RateLimitJitter     float64
	RejectedBackoff     time.Duration
	CaptchaBackoff      time.Duration
	UnclassifiedBackoff time.Duration
	TimeoutRetries      int
	UnclassifiedCeiling int
}

// DefaultSettings are the production defaults.
func DefaultSettings() Settings {
	return Settings{
		RateLimitBackoff:    10 * time.Minute,
		RateLimitJitter:     0.1,
		RejectedBackoff:     3 * time.Second,
		CaptchaBackoff:      5 * time.Second,
		UnclassifiedBackoff: 5 * time.Second,
		TimeoutRetries:      3,
		UnclassifiedCeiling: 5,
	}
}

// DefaultPolicies returns a policy for every Kind.
func DefaultPolicies(s Settings) map[Kind]Policy {
	return map[Kind]Policy{
		RateLimited:      {Backoff: s.RateLimitBackoff, Jitter: s.RateLimitJitter, Recreate: RecreateIfUnresponsive},
		Rejected:         {Backoff: s.RejectedBackoff, Recreate: RecreateAlways},
		SessionLost:      {Recreate: RecreateAlways, KillOrphans: true},
		Timeout:          {Limit: s.TimeoutRetries, Escalate: EscalateRecreate},
		BootstrapUnready: {UseWatcher: true, Limit: 1, Escalate: EscalateRecreate},
		FormNotReady:     {},
		CaptchaFailed:    {Backoff: s.CaptchaBackoff},
		Cancelled:        {Terminal: true},
		Unclassified:     {Backoff: s.UnclassifiedBackoff, Recreate: RecreateAlways, Limit: s.UnclassifiedCeiling, Escalate: EscalateAbort},
	}
}

// Decision is what the engine does before its next attempt.
type Decision struct {
	Kind        Kind
	Wait        time.Duration
	Recreate    bool
	KillOrphans bool
	UseWatcher  bool
	Abort       bool
	Consecutive int
}

// Recovery turns classified failures into decisions, counting consecutive
// repeats per kind. It is owned by one task.
type Recovery struct {
	mu       sync.Mutex
	policies map[Kind]Policy
	streak   map[Kind]int
	rng      *rand.Rand
}

func NewRecovery(policies map[Kind]Policy, rng *rand.Rand) *Recovery {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Recovery{policies: policies, streak: map[Kind]int{}, rng: rng}
}

// Decide records one occurrence of k. responsive reports whether the current
// session still answers; it only matters for RecreateIfUnresponsive.
func (r *Recovery) Decide(k Kind, responsive bool) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[k]
	if !ok {
		p = r.policies[Unclassified]
	}
	for other := range r.streak {
		if other != k {
			delete(r.streak, other)
		}
	}
	r.streak[k]++
	d := Decision{
		Kind:        k,
		Wait:        r.jittered(p.Backoff, p.Jitter),
		KillOrphans: p.KillOrphans,
		UseWatcher:  p.UseWatcher,
		Consecutive: r.streak[k],
	}
	if p.Terminal {
		d.Abort = true
		return d
	}
	switch p.Recreate {
	case RecreateAlways:
		d.Recreate = true
	case RecreateIfUnresponsive:
		d.Recreate = !responsive
	}
	if p.Limit > 0 && r.streak[k] > p.Limit {
		switch p.Escalate {
		case EscalateRecreate:
			d.Recreate = true
			d.KillOrphans = true
			d.UseWatcher = false
			delete(r.streak, k)
		case EscalateAbort:
			d.Abort = true
		}
	}
	return d
}

// Succeeded clears the streaks after an attempt that ended without failure.
func (r *Recovery) Succeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.streak)
}

func (r *Recovery) jittered(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	delta := (r.rng.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}
