package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNoProcess means the pid is already gone.
var ErrNoProcess = errors.New("session: no such process")

// Process is one row of the OS process table.
type Process struct {
	PID     int32
	PPID    int32
	Name    string
	Cmdline string
}

// ProcessTable lists and kills OS processes.
type ProcessTable interface {
	List(ctx context.Context) ([]Process, error)
	Kill(ctx context.Context, pid int32) error
}

// OSProcesses is the ProcessTable of the running host.
type OSProcesses struct{}

func (OSProcesses) List(ctx context.Context) ([]Process, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Process, 0, len(ps))
	for _, p := range ps {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // exited while listing
		}
		cmd, _ := p.CmdlineWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)
		out = append(out, Process{PID: p.Pid, PPID: ppid, Name: name, Cmdline: cmd})
	}
	return out, nil
}

func (OSProcesses) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ErrNoProcess
		}
		return err
	}
	if err := p.KillWithContext(ctx); err != nil {
		if ok, _ := p.IsRunningWithContext(ctx); !ok {
			return ErrNoProcess
		}
		return err
	}
	return nil
}
