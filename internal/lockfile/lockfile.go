// Package lockfile keeps a single lead router process per state directory.
//
// Per-thread serialization happens in process memory, so two routers
// sharing one database would race on the same threads. The lock is an
// flock on a file in the state directory and is released by the kernel if
// the process dies.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "leadrouter.lock"

// ErrHeld is wrapped by HeldError when another process owns the lock.
var ErrHeld = errors.New("state directory is locked by another lead router")

// Lock is an acquired state directory lock.
type Lock struct {
	file *os.File
	path string
}

// HeldError describes the process currently holding the lock.
type HeldError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *HeldError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another lead router is using this state directory (lock file %s", e.Path)
	if e.Holder != "" {
		fmt.Fprintf(&b, ", held by %s", e.Holder)
	}
	b.WriteString("); if the holder is gone, remove the lock file and retry")
	return b.String()
}

// Is reports ErrHeld so callers can match with errors.Is.
func (e *HeldError) Is(target error) bool { return target == ErrHeld }

func (e *HeldError) Unwrap() error { return e.Cause }

// Acquire takes an exclusive lock on dir, creating it if needed. It fails
// fast with a *HeldError when another process holds the lock.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}

	// Not O_TRUNC: the holder's pid must survive a failed attempt.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		held := &HeldError{Path: path, Holder: describeHolder(path), Cause: err}
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "holder", held.Holder)
		return nil, held
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}
	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writePID: sync failed", "path", f.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: could not remove lock file", "path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return errors.Join(errs...)
}

// describeHolder reads the holder's pid from the lock file for error messages.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (not running)", pid)
}

// parsePID extracts N from a "pid=N" line; it returns 0 when absent.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

// processAlive sends signal 0 to pid.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
