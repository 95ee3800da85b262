package steps

import (
	"context"
	"time"

	"github.com/example/cita-scheduler/internal/domain/appointment"
)

// WaitExactTime holds the attempt until the wall clock shows one of the
// profile's [minute, second] marks. It gives up after ExactTimeLimit.
func (f *Flow) WaitExactTime(ctx context.Context, p *appointment.CustomerProfile) (bool, error) {
	if len(p.WaitExactTime) == 0 {
		return true, nil
	}
	deadline := f.now().Add(f.cfg().ExactTimeLimit)
	for {
		now := f.now()
		if matchesMark(now, p.WaitExactTime) {
			return true, nil
		}
		if now.After(deadline) {
			f.logger().Info("timed out waiting for exact time")
			return false, nil
		}
		next := now.Truncate(time.Second).Add(time.Second).Sub(now)
		if err := f.sleep(ctx, next); err != nil {
			return false, err
		}
	}
}

func matchesMark(t time.Time, marks [][2]int) bool {
	for _, m := range marks {
		if t.Minute() == m[0] && t.Second() == m[1] {
			return true
		}
	}
	return false
}

