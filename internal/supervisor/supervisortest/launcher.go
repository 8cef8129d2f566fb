// Package supervisortest provides an in-memory worker launcher for tests of
// packages that drive the supervisor.
package supervisortest

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/supervisor"
)

type Process struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) Signal(os.Signal) error {
	p.Exit()
	return nil
}

func (p *Process) Kill() error {
	p.Exit()
	return nil
}

func (p *Process) Done() <-chan struct{} { return p.done }

// Exit simulates the worker terminating on its own.
func (p *Process) Exit() { p.once.Do(func() { close(p.done) }) }

// Launcher records every launch and hands out fake processes.
type Launcher struct {
	mu      sync.Mutex
	nextPID int
	Specs   []supervisor.LaunchSpec
	procs   map[int]*Process
}

func NewLauncher() *Launcher {
	return &Launcher{nextPID: 40000, procs: make(map[int]*Process)}
}

func (l *Launcher) Launch(_ context.Context, spec supervisor.LaunchSpec) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	p := &Process{pid: l.nextPID, done: make(chan struct{})}
	l.procs[p.pid] = p
	l.Specs = append(l.Specs, spec)
	return p, nil
}

func (l *Launcher) Adopt(pid int) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[pid]
	if !ok || !p.Alive() {
		return nil, errors.Errorf("pid %d is not running", pid)
	}
	return p, nil
}

// Launches returns how many workers were started.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Specs)
}

// Last returns the most recent launch spec.
func (l *Launcher) Last() supervisor.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Specs) == 0 {
		return supervisor.LaunchSpec{}
	}
	return l.Specs[len(l.Specs)-1]
}
