package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755
)

// ErrNoEmulator is returned by signalEmulator when nothing holds the lock
// for a database.
var ErrNoEmulator = errors.New("no running emulator")

// emulatorLock is an flock on "<database>.pid" held for as long as an
// emulator serves that database. The file carries the owner's PID so that
// `emulator stop` can find it.
type emulatorLock struct {
	path string
	f    *os.File
}

func emulatorPIDPath(dataPath string) string {
	return dataPath + ".pid"
}

// lockDatabase takes the lock for dataPath without blocking.
func lockDatabase(dataPath string) (*emulatorLock, error) {
	if dataPath == "" {
		return nil, errors.New("emulator database path is empty")
	}

	path := emulatorPIDPath(dataPath)
	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating emulator data directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		owner := ""
		if pid, readErr := lockOwner(dataPath); readErr == nil {
			owner = fmt.Sprintf(" (PID %d)", pid)
		}

		return nil, fmt.Errorf("another emulator is already running%s on %s", owner, dataPath)
	}

	if err := writeOwner(f); err != nil {
		f.Close()
		return nil, err
	}

	return &emulatorLock{path: path, f: f}, nil
}

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}

	// Stop reads the PID from another process right away.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing lock file: %w", err)
	}

	return nil
}

// Release removes the lock file and drops the lock.
func (l *emulatorLock) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// lockOwner returns the PID recorded for dataPath.
func lockOwner(dataPath string) (int, error) {
	path := emulatorPIDPath(dataPath)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s: %q", path, strings.TrimSpace(string(data)))
	}

	return pid, nil
}

// signalEmulator sends sig to the emulator serving dataPath. A lock file
// left behind by a dead process is removed.
func signalEmulator(dataPath string, sig syscall.Signal) error {
	pid, err := lockOwner(dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w on %s", ErrNoEmulator, dataPath)
	}

	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 checks liveness.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(emulatorPIDPath(dataPath))

		return fmt.Errorf("%w on %s (stale lock of PID %d removed)", ErrNoEmulator, dataPath, pid)
	}

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("sending %s to emulator (PID %d): %w", sig, pid, err)
	}

	return nil
}
