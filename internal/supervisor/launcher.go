package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrSpawn = errors.New("worker spawn failed")

// LaunchSpec describes one worker process.
type LaunchSpec struct {
	TenantID int64
	Port     int
	Dir      string
	Command  string
	Args     []string
	Env      []string
}

// Process is a running worker, either spawned by us or re-adopted after a restart.
type Process interface {
	PID() int
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher starts and re-adopts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
	Adopt(pid int) (Process, error)
}

// ExecLauncher runs workers as child processes. Output goes to a rotating
// worker.log inside the worker directory.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	if spec.Command == "" {
		return nil, errors.Wrap(ErrSpawn, "empty worker command")
	}
	// not bound to the caller's context: the worker outlives the request that started it
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	logw := &lumberjack.Logger{
		Filename:   filepath.Join(spec.Dir, "worker.log"),
		MaxSize:    16,
		MaxBackups: 3,
		MaxAge:     7,
	}
	cmd.Stdout = logw
	cmd.Stderr = logw

	if err := cmd.Start(); err != nil {
		_ = logw.Close()
		return nil, errors.Wrapf(ErrSpawn, "start %s: %v", spec.Command, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = logw.Close()
		close(p.done)
	}()
	return p, nil
}

func (ExecLauncher) Adopt(pid int) (Process, error) {
	return adopt(pid)
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                 { return p.cmd.Process.Kill() }
func (p *execProcess) Done() <-chan struct{}       { return p.done }

// adoptedProcess is a worker left running by a previous orchestrator. It is
// not our child, so exit is detected by polling the pid.
type adoptedProcess struct {
	pid  int
	proc *os.Process
	once sync.Once
	done chan struct{}
}

func adopt(pid int) (Process, error) {
	exists, err := process.PidExists(int32(pid)) //nolint:gosec // G115: pids fit in int32
	if err != nil {
		return nil, errors.Wrapf(err, "check pid %d", pid)
	}
	if !exists {
		return nil, errors.Errorf("pid %d is not running", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "find pid %d", pid)
	}
	return &adoptedProcess{pid: pid, proc: proc, done: make(chan struct{})}, nil
}

func (p *adoptedProcess) PID() int { return p.pid }

func (p *adoptedProcess) Alive() bool {
	exists, err := process.PidExists(int32(p.pid)) //nolint:gosec // G115: pids fit in int32
	return err == nil && exists
}

func (p *adoptedProcess) Signal(sig os.Signal) error { return p.proc.Signal(sig) }
func (p *adoptedProcess) Kill() error                 { return p.proc.Kill() }

func (p *adoptedProcess) Done() <-chan struct{} {
	p.once.Do(func() {
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for range ticker.C {
				if !p.Alive() {
					close(p.done)
					return
				}
			}
		}()
	})
	return p.done
}
