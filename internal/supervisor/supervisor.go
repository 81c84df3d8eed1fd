// Package supervisor owns the radio tuner and decoder child processes.
// It starts them in order, exposes the decoder's stdout as a line channel
// and tears both down in reverse order on shutdown.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
)

const (
	DefaultSettleDelay   = 5 * time.Second
	DefaultShutdownGrace = 5 * time.Second

	maxLineSize = 1 << 20
)

// Command describes one executable to spawn.
type Command struct {
	Name string
	Path string
	Args []string
}

type Config struct {
	Tuner         Command
	Decoder       Command
	SettleDelay   time.Duration
	ShutdownGrace time.Duration
}

// Supervisor starts the tuner, waits for it to settle, starts the decoder
// and streams the decoder's stdout.
type Supervisor struct {
	cfg Config
	log logger.Logger

	mu       sync.Mutex
	procs    []*Process
	stop     chan struct{}
	shutOnce sync.Once
}

func New(cfg Config, log logger.Logger) *Supervisor {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Tuner.Name == "" {
		cfg.Tuner.Name = "tuner"
	}
	if cfg.Decoder.Name == "" {
		cfg.Decoder.Name = "decoder"
	}

	return &Supervisor{
		cfg:  cfg,
		log:  log,
		stop: make(chan struct{}),
	}
}

// Start launches the pipeline. The returned channel yields decoder stdout
// lines and closes when the decoder's stdout ends. A spawn failure returns
// a launch_failed error after terminating anything already started.
// Cancelling ctx during the settle delay shuts down the tuner and returns
// ctx.Err().
func (s *Supervisor) Start(ctx context.Context) (<-chan string, error) {
	tuner, err := s.spawn(s.cfg.Tuner, nil)
	if err != nil {
		return nil, launchError(s.cfg.Tuner, err)
	}

	if s.cfg.SettleDelay > 0 {
		s.log.Info().Dur("delay", s.cfg.SettleDelay).Msg("Waiting for tuner to settle")

		timer := time.NewTimer(s.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Shutdown()
			return nil, ctx.Err()
		case <-tuner.Done():
			timer.Stop()
			s.Shutdown()
			return nil, errors.New().
				WithMessage(errors.ErrLaunch, "Tuner exited before decoder start").
				WithData(s.cfg.Tuner.Path)
		case <-timer.C:
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		s.Shutdown()
		return nil, launchError(s.cfg.Decoder, err)
	}

	_, err = s.spawn(s.cfg.Decoder, pw)
	// the child holds its own copy of the write end
	pw.Close()
	if err != nil {
		pr.Close()
		s.Shutdown()
		return nil, launchError(s.cfg.Decoder, err)
	}

	lines := make(chan string)
	go s.readLines(pr, lines)

	return lines, nil
}

func (s *Supervisor) spawn(c Command, stdout *os.File) (*Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Stderr = &lineWriter{log: s.log, name: c.Name, stream: "stderr"}
	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = &lineWriter{log: s.log, name: c.Name, stream: "stdout"}
	}

	p := newProcess(c.Name, cmd, s.cfg.ShutdownGrace, s.log)
	if err := p.start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	return p, nil
}

func (s *Supervisor) readLines(r *os.File, out chan<- string) {
	defer close(out)
	defer r.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, tooLong, err := nextLine(br, maxLineSize)
		switch {
		case tooLong:
			s.log.Warn().Int("limit", maxLineSize).Msg("Discarded overlong decoder line")
		case err == nil || len(line) > 0:
			select {
			case out <- line:
			case <-s.stop:
				return
			}
		}

		if err != nil {
			if err != io.EOF {
				s.log.Warn().Err(err).Msg("Decoder output read failed")
			}
			return
		}
	}
}

// nextLine reads up to the next newline. A line longer than limit is
// consumed in full and reported as tooLong with no content.
func nextLine(br *bufio.Reader, limit int) (string, bool, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}

		if tooLong {
			return "", true, err
		}
		buf = bytes.TrimSuffix(buf, []byte("\n"))
		buf = bytes.TrimSuffix(buf, []byte("\r"))
		return string(buf), false, err
	}
}

// Processes returns the started processes in start order.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Process(nil), s.procs...)
}

// Shutdown terminates every started process in reverse start order.
// It is safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.shutOnce.Do(func() {
		close(s.stop)

		procs := s.Processes()
		for i := len(procs) - 1; i >= 0; i-- {
			procs[i].Terminate()
		}

		s.log.Info().Int("processes", len(procs)).Msg("Pipeline stopped")
	})
}

func launchError(c Command, err error) errors.Error {
	return errors.New().Wrap(errors.ErrLaunch, err).WithData(c.Path)
}
