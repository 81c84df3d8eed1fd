package supervisor

import (
	"bytes"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/logger"
)

// Process is one spawned child. Terminate signals it at most once.
type Process struct {
	name  string
	cmd   *exec.Cmd
	grace time.Duration
	log   logger.Logger

	done chan struct{}
	err  error

	once         sync.Once
	terminations atomic.Int32
}

func newProcess(name string, cmd *exec.Cmd, grace time.Duration, log logger.Logger) *Process {
	// own process group so the whole subtree is signaled together
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = grace

	return &Process{
		name:  name,
		cmd:   cmd,
		grace: grace,
		log:   log,
		done:  make(chan struct{}),
	}
}

func (p *Process) start() error {
	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.log.Info().
		Str("process", p.name).
		Str("command", p.cmd.Path).
		Strs("args", p.cmd.Args[1:]).
		Int("pid", p.cmd.Process.Pid).
		Msg("Process started")

	go p.wait()

	return nil
}

func (p *Process) wait() {
	p.err = p.cmd.Wait()
	close(p.done)

	ev := p.log.Debug()
	if p.terminations.Load() == 0 {
		ev = p.log.Warn()
	}
	ev.Str("process", p.name).
		Int("pid", p.cmd.Process.Pid).
		AnErr("exit", p.err).
		Msg("Process exited")
}

// Name returns the label given at spawn time.
func (p *Process) Name() string {
	return p.name
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminations returns how many times Terminate actually signaled the
// process. It never exceeds one.
func (p *Process) Terminations() int {
	return int(p.terminations.Load())
}

// Terminate sends SIGTERM, waits up to the grace period and then sends
// SIGKILL. Only the first call has any effect; later calls wait for the
// process to be reaped.
func (p *Process) Terminate() {
	p.once.Do(p.terminate)
	<-p.done
}

func (p *Process) terminate() {
	if p.Exited() {
		return
	}

	p.terminations.Add(1)
	pid := p.cmd.Process.Pid

	p.log.Debug().Str("process", p.name).Int("pid", pid).Msg("Sending SIGTERM")
	p.signal(syscall.SIGTERM)

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return
	case <-timer.C:
	}

	p.log.Warn().
		Str("process", p.name).
		Int("pid", pid).
		Dur("grace", p.grace).
		Msg("Process did not exit gracefully, killing")
	p.signal(syscall.SIGKILL)
}

func (p *Process) signal(sig syscall.Signal) {
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		// group already gone; fall back to the leader
		_ = p.cmd.Process.Signal(sig)
	}
}

// lineWriter logs each complete line written to it at debug level.
type lineWriter struct {
	log    logger.Logger
	name   string
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.log.Debug().
				Str("process", w.name).
				Str("stream", w.stream).
				Str("line", string(line)).
				Msg("Process output")
		}
		w.buf = w.buf[i+1:]
	}

	return len(b), nil
}
