package failure

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cita-scheduler/internal/browser"
)

func TestDefaultPoliciesAreTotal(t *testing.T) {
	policies := DefaultPolicies(DefaultSettings())
	for _, k := range Kinds() {
		_, ok := policies[k]
		assert.True(t, ok, "no policy for %s", k)
		assert.NotContains(t, k.String(), "kind(", "kind %d has no name", int(k))
	}
	assert.Len(t, policies, len(Kinds()))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err  error
		want Kind
	}{
		{New(RateLimited, "bootstrap", nil), RateLimited},
		{fmt.Errorf("wrapped: %w", New(Rejected, "bootstrap", nil)), Rejected},
		{fmt.Errorf("nav: %w", browser.ErrTransport), SessionLost},
		{fmt.Errorf("wait: %w", browser.ErrTimeout), Timeout},
		{context.DeadlineExceeded, Timeout},
		{context.Canceled, Cancelled},
		{errors.New("boom"), Unclassified},
		{browser.ErrNotFound, Unclassified},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(ctx, c.err), c.err.Error())
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, Cancelled, Classify(cancelled, New(RateLimited, "x", nil)))
}

func newRecovery() *Recovery {
	s := DefaultSettings()
	s.RateLimitJitter = 0
	return NewRecovery(DefaultPolicies(s), rand.New(rand.NewSource(1)))
}

func TestRecovery_RateLimited(t *testing.T) {
	r := newRecovery()
	d := r.Decide(RateLimited, true)
	assert.Equal(t, 10*time.Minute, d.Wait)
	assert.False(t, d.Recreate)

	d = r.Decide(RateLimited, false)
	assert.True(t, d.Recreate)
	assert.Equal(t, 2, d.Consecutive)
	assert.False(t, d.Abort)
}

func TestRecovery_Jitter(t *testing.T) {
	r := NewRecovery(DefaultPolicies(DefaultSettings()), rand.New(rand.NewSource(3)))
	for i := 0; i < 50; i++ {
		d := r.Decide(RateLimited, true)
		assert.InDelta(t, float64(10*time.Minute), float64(d.Wait), float64(time.Minute))
	}
}

func TestRecovery_TimeoutEscalates(t *testing.T) {
	r := newRecovery()
	for i := 1; i <= 3; i++ {
		d := r.Decide(Timeout, true)
		assert.False(t, d.Recreate, "retry %d", i)
	}
	d := r.Decide(Timeout, true)
	assert.True(t, d.Recreate)
	assert.True(t, d.KillOrphans)

	// streak restarts after escalation
	assert.False(t, r.Decide(Timeout, true).Recreate)
}

func TestRecovery_BootstrapUnready(t *testing.T) {
	r := newRecovery()
	d := r.Decide(BootstrapUnready, true)
	assert.True(t, d.UseWatcher)
	assert.False(t, d.Recreate)

	d = r.Decide(BootstrapUnready, true)
	assert.True(t, d.Recreate)
	assert.False(t, d.UseWatcher)
}

func TestRecovery_UnclassifiedCeiling(t *testing.T) {
	r := newRecovery()
	for i := 0; i < 5; i++ {
		d := r.Decide(Unclassified, true)
		require.False(t, d.Abort)
		require.True(t, d.Recreate)
	}
	assert.True(t, r.Decide(Unclassified, true).Abort)
}

func TestRecovery_StreakResets(t *testing.T) {
	r := newRecovery()
	for i := 0; i < 5; i++ {
		r.Decide(Unclassified, true)
	}
	r.Succeeded()
	assert.False(t, r.Decide(Unclassified, true).Abort)

	for i := 0; i < 5; i++ {
		r.Decide(Unclassified, true)
	}
	r.Decide(RateLimited, true)
	assert.Equal(t, 1, r.Decide(Unclassified, true).Consecutive)
}

func TestRecovery_CancelledIsTerminal(t *testing.T) {
	r := newRecovery()
	d := r.Decide(Cancelled, true)
	assert.True(t, d.Abort)
	assert.False(t, d.Recreate)
}

func TestSessionLostKillsOrphans(t *testing.T) {
	d := newRecovery().Decide(SessionLost, true)
	assert.True(t, d.Recreate)
	assert.True(t, d.KillOrphans)
}
