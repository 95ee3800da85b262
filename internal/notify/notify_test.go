package notify

import (
	"bytes"
	"context"
	"io"
	"strings"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := LogNotifier{Logger: zap.New(core)}

	require.NoError(t, n.Notify(context.Background(), Event{Kind: Attempt, TaskKey: "c1:28", Attempt: 3, MaxAttempts: 10, Message: "attempt 3/10"}))
	require.NoError(t, n.Notify(context.Background(), Event{Kind: Error, TaskKey: "c1:28", Message: "browser connection lost"}))
	require.NoError(t, n.Notify(context.Background(), Event{Kind: SlotFound, TaskKey: "c1:28", Code: "ABC123", Screenshot: []byte("png")}))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, "attempt 3/10", entries[0].Message)
	assert.Equal(t, int64(3), entries[0].ContextMap()["attempt"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "slot_found", entries[2].Message)
	assert.Equal(t, "ABC123", entries[2].ContextMap()["code"])
}

func TestMulti(t *testing.T) {
	var got []Kind
	rec := NotifierFunc(func(_ context.Context, e Event) error {
		got = append(got, e.Kind)
		return nil
	})
	boom := errors.New("boom")
	failing := NotifierFunc(func(context.Context, Event) error { return boom })

	err := Multi{rec, nil, failing, rec}.Notify(context.Background(), Event{Kind: Started})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Kind{Started, Started}, got)
}

func TestGate(t *testing.T) {
	events := make(chan Event, 1)
	g := NewGate(NotifierFunc(func(_ context.Context, e Event) error {
		events <- e
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- g.Await(context.Background(), "c1:28", "solve the captcha") }()

	e := <-events
	assert.Equal(t, ManualAction, e.Kind)
	assert.Equal(t, "solve the captcha", e.Message)
	assert.Equal(t, []string{"c1:28"}, g.Waiting())

	assert.False(t, g.Resume("other"))
	assert.True(t, g.Resume("c1:28"))
	require.NoError(t, <-done)
	assert.Empty(t, g.Waiting())
}

func TestGateCancelled(t *testing.T) {
	g := NewGate(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Await(ctx, "k", "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, g.Resume("k"))
}

func TestLineGate(t *testing.T) {
	in, w := io.Pipe()
	var out bytes.Buffer
	g := NewLineGate(in, &out)

	done := make(chan error, 1)
	go func() { done <- g.Await(context.Background(), "c1:28", "solve the captcha in the browser") }()
	_, err := w.Write([]byte("\n"))
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Contains(t, out.String(), "[c1:28] solve the captcha in the browser")

	require.NoError(t, w.Close())
	assert.ErrorIs(t, g.Await(context.Background(), "c1:28", "again"), io.ErrUnexpectedEOF)
}

func TestLineGateCancelled(t *testing.T) {
	g := NewLineGate(strings.NewReader(""), io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Await(ctx, "c1:28", "enter the code")
	// The reader may hit EOF first; either way the wait ends.
	assert.Error(t, err)
}

func TestTaskID(t *testing.T) {
	assert.Empty(t, TaskIDFrom(context.Background()))
	assert.Equal(t, "t-1", TaskIDFrom(WithTaskID(context.Background(), "t-1")))
}
