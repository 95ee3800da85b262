package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/engine"
	"github.com/example/cita-scheduler/internal/failure"
	"github.com/example/cita-scheduler/internal/notify"
)

type runnerFunc func(ctx context.Context, p *appointment.CustomerProfile, maxCycles int) engine.Result

func (f runnerFunc) Run(ctx context.Context, p *appointment.CustomerProfile, maxCycles int) engine.Result {
	return f(ctx, p, maxCycles)
}

// untilCancelled blocks every task until its context ends.
func untilCancelled(ctx context.Context, _ *appointment.CustomerProfile, _ int) engine.Result {
	<-ctx.Done()
	return engine.Result{Outcome: engine.Cancelled}
}

type events struct {
	mu   sync.Mutex
	list []notify.Event
}

func (e *events) Notify(_ context.Context, ev notify.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
	return nil
}

func (e *events) kinds(taskID string) []notify.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notify.Kind
	for _, ev := range e.list {
		if ev.TaskID == taskID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type recorder struct {
	mu       sync.Mutex
	started  []TaskInfo
	finished []TaskInfo
	results  []engine.Result
}

func (r *recorder) TaskStarted(_ context.Context, info TaskInfo, _ *appointment.CustomerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
	return nil
}

func (r *recorder) TaskFinished(_ context.Context, info TaskInfo, res engine.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, info)
	r.results = append(r.results, res)
	return nil
}

func profile(customer string, province appointment.Province) *appointment.CustomerProfile {
	p := &appointment.CustomerProfile{
		CustomerID: customer,
		DocType:    appointment.DocNIE,
		DocValue:   "Y1234567Z",
		Name:       "IVAN PETROV",
		Phone:      "600000000",
		Email:      "ivan@example.com",
		Province:   province,
		Operation:  appointment.OpTomaHuellas,
		AutoOffice: true,
	}
	p.ApplyDefaults()
	return p
}

func shutdown(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestStart_ReportsSlotFoundOnce(t *testing.T) {
	ev := &events{}
	rec := &recorder{}
	var seenID string
	s := New(runnerFunc(func(ctx context.Context, _ *appointment.CustomerProfile, n int) engine.Result {
		seenID = notify.TaskIDFrom(ctx)
		return engine.Result{
			Outcome:   engine.Success,
			Attempts:  2,
			Confirmed: &appointment.ConfirmedResult{Code: "ABC123", Screenshot: []byte("png")},
		}
	}), Options{MaxCycles: 5, Notifier: ev, Recorder: rec})

	p := profile("c1", appointment.ProvinceMadrid)
	info, err := s.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "c1:28", info.Key)
	assert.Equal(t, Running, info.State)

	res, ok, err := s.Wait(context.Background(), info.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, engine.Success, res.Outcome)
	assert.Equal(t, info.ID, seenID)

	assert.Equal(t, []notify.Kind{notify.Started, notify.SlotFound}, ev.kinds(info.ID))
	ev.mu.Lock()
	found := ev.list[1]
	ev.mu.Unlock()
	assert.Equal(t, "ABC123", found.Code)
	assert.Equal(t, []byte("png"), found.Screenshot)
	assert.Equal(t, 5, found.MaxAttempts)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.started, 1)
	require.Len(t, rec.finished, 1)
	assert.Equal(t, Succeeded, rec.finished[0].State)
	assert.Equal(t, "ABC123", rec.finished[0].Code)
	assert.Equal(t, 2, rec.finished[0].Attempts)

	assert.Empty(t, s.List())
	assert.False(t, s.Cancel(info.Key))
}

func TestStart_SupersedesRunningTask(t *testing.T) {
	var (
		mu  sync.Mutex
		log []string
	)
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}
	ev := &events{}
	s := New(runnerFunc(func(ctx context.Context, p *appointment.CustomerProfile, n int) engine.Result {
		id := notify.TaskIDFrom(ctx)
		record("start " + id)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		record("end " + id)
		return engine.Result{Outcome: engine.Cancelled}
	}), Options{Notifier: ev})
	defer shutdown(t, s)

	first, err := s.Start(context.Background(), profile("c1", appointment.ProvinceMadrid))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(log) == 1
	}, time.Second, time.Millisecond)

	second, err := s.Start(context.Background(), profile("c1", appointment.ProvinceMadrid))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(log) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"start " + first.ID, "end " + first.ID, "start " + second.ID}, log)
	mu.Unlock()

	assert.Equal(t, []notify.Kind{notify.Started, notify.Cancelled}, ev.kinds(first.ID))
	assert.Equal(t, []string{"c1:28"}, s.List())
}

func TestCancel(t *testing.T) {
	ev := &events{}
	s := New(runnerFunc(untilCancelled), Options{Notifier: ev})
	defer shutdown(t, s)

	assert.False(t, s.Cancel("nobody:28"))

	info, err := s.Start(context.Background(), profile("c1", appointment.ProvinceMadrid))
	require.NoError(t, err)
	assert.True(t, s.Cancel(info.Key))

	res, _, err := s.Wait(context.Background(), info.Key)
	require.NoError(t, err)
	assert.Equal(t, engine.Cancelled, res.Outcome)
	assert.False(t, s.Cancel(info.Key))
	assert.Equal(t, []notify.Kind{notify.Started, notify.Cancelled}, ev.kinds(info.ID))

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, Cancelled, tasks[0].State)
	assert.False(t, tasks[0].FinishedAt.IsZero())
}

func TestList_IndependentKeys(t *testing.T) {
	s := New(runnerFunc(untilCancelled), Options{})
	defer shutdown(t, s)

	for _, p := range []*appointment.CustomerProfile{
		profile("c2", appointment.ProvinceBarcelona),
		profile("c1", appointment.ProvinceMadrid),
		profile("c1", appointment.ProvinceBarcelona),
	} {
		_, err := s.Start(context.Background(), p)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c1:28", "c1:8", "c2:8"}, s.List())

	require.True(t, s.Cancel("c1:8"))
	_, _, err := s.Wait(context.Background(), "c1:8")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1:28", "c2:8"}, s.List())
}

func TestTerminalReports(t *testing.T) {
	cases := []struct {
		res  engine.Result
		kind notify.Kind
		st   State
	}{
		{engine.Result{Outcome: engine.Exhausted, Attempts: 3}, notify.Exhausted, Exhausted},
		{engine.Result{Outcome: engine.Aborted, Attempts: 6, Err: errors.New("page layout changed")}, notify.Aborted, Aborted},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			ev := &events{}
			s := New(runnerFunc(func(context.Context, *appointment.CustomerProfile, int) engine.Result {
				return tc.res
			}), Options{Notifier: ev})

			info, err := s.Start(context.Background(), profile("c1", appointment.ProvinceMadrid))
			require.NoError(t, err)
			_, _, err = s.Wait(context.Background(), info.Key)
			require.NoError(t, err)

			assert.Equal(t, []notify.Kind{notify.Started, tc.kind}, ev.kinds(info.ID))
			assert.Equal(t, tc.st, s.Tasks()[0].State)
			if tc.res.Err != nil {
				ev.mu.Lock()
				msg := ev.list[1].Message
				assert.Equal(t, "task aborted after 6 attempts: "+failure.Summary(failure.Unclassified), msg)
				assert.NotContains(t, msg, "page layout changed", "raw errors stay in the log")
				ev.mu.Unlock()
			}
		})
	}
}

func TestStart_RejectsInvalidProfile(t *testing.T) {
	s := New(runnerFunc(untilCancelled), Options{})
	p := profile("c1", appointment.ProvinceMadrid)
	p.Email = ""
	_, err := s.Start(context.Background(), p)
	assert.ErrorContains(t, err, "email required")
	assert.Empty(t, s.Tasks())
}

func TestShutdown(t *testing.T) {
	s := New(runnerFunc(untilCancelled), Options{})
	info, err := s.Start(context.Background(), profile("c1", appointment.ProvinceMadrid))
	require.NoError(t, err)

	shutdown(t, s)
	res, _, err := s.Wait(context.Background(), info.Key)
	require.NoError(t, err)
	assert.Equal(t, engine.Cancelled, res.Outcome)

	_, err = s.Start(context.Background(), profile("c1", appointment.ProvinceMadrid))
	assert.ErrorIs(t, err, ErrShuttingDown)

	_, ok, err := s.Wait(context.Background(), "nobody:28")
	require.NoError(t, err)
	assert.False(t, ok)
}
