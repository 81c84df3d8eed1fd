// Package pid guards against two gasmeterd instances competing for the
// same SDR dongle.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/gasmeterd/internal/errors"
)

const (
	pidFile = "gasmeterd.pid"
)

// File is a PID file at a fixed path.
type File struct {
	path string
}

// Default returns the PID file in the system temp directory.
func Default() *File {
	return At(filepath.Join(os.TempDir(), pidFile))
}

// At returns a PID file at path.
func At(path string) *File {
	return &File{path: path}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Write writes the current process ID to the PID file. A stale file left
// by a dead process is overwritten.
func (f *File) Write() error {
	errFactory := errors.New()

	if bytes, err := os.ReadFile(f.path); err == nil {
		owner, convErr := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if convErr == nil && owner != os.Getpid() && isRunning(owner) {
			return errFactory.WithData(errors.ErrAlreadyRunning, owner)
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func isRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
