package notify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Gate parks a task until a person confirms a manual step. Each wait emits
// a ManualAction event; Resume releases the task waiting under that key.
type Gate struct {
	notifier Notifier
	now      func() time.Time

	mu      sync.Mutex
	waiting map[string]chan struct{}
}

func NewGate(n Notifier) *Gate {
	if n == nil {
		n = Nop
	}
	return &Gate{notifier: n, now: time.Now, waiting: map[string]chan struct{}{}}
}

// Await blocks until Resume(taskKey) or ctx ends.
func (g *Gate) Await(ctx context.Context, taskKey, prompt string) error {
	ch := make(chan struct{})
	g.mu.Lock()
	if _, busy := g.waiting[taskKey]; busy {
		g.mu.Unlock()
		return fmt.Errorf("task %s is already waiting for a manual step", taskKey)
	}
	g.waiting[taskKey] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		if g.waiting[taskKey] == ch {
			delete(g.waiting, taskKey)
		}
		g.mu.Unlock()
	}()

	if err := g.notifier.Notify(ctx, Event{Kind: ManualAction, TaskKey: taskKey, TaskID: TaskIDFrom(ctx), Message: prompt, At: g.now()}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume reports whether a task was waiting under taskKey.
func (g *Gate) Resume(taskKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiting[taskKey]
	if !ok {
		return false
	}
	close(ch)
	delete(g.waiting, taskKey)
	return true
}

// Waiting lists the keys parked on a manual step.
func (g *Gate) Waiting() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.waiting))
	for k := range g.waiting {
		keys = append(keys, k)
	}
	return keys
}

// LineGate asks for manual steps on a terminal: it prints the prompt and
// waits for a line on In.
type LineGate struct {
	mu    sync.Mutex
	out   io.Writer
	lines chan string
}

func NewLineGate(in io.Reader, out io.Writer) *LineGate {
	g := &LineGate{out: out, lines: make(chan string)}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			g.lines <- sc.Text()
		}
		close(g.lines)
	}()
	return g
}

func (g *LineGate) Await(ctx context.Context, taskKey, prompt string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(g.out, "[%s] %s\nPress Enter when done: ", taskKey, prompt)
	select {
	case _, ok := <-g.lines:
		if !ok {
			return io.ErrUnexpectedEOF
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
