// Package applock enforces that only one conversion process runs against
// a machine at a time, via an exclusive flock held from before pre-flight
// until a terminal state is reached.
package applock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned when another conversion process holds the lock.
// A second invocation fails immediately rather than blocking.
var ErrLocked = errors.New("another conversion is already running")

// Lock represents the acquired process-level lock.
type Lock struct {
	Path string
	file *os.File
}

// Meta is the on-disk metadata written alongside the lock file.
type Meta struct {
	PID       int    `json:"pid"`
	Timestamp string `json:"timestamp"`
}

// Acquire takes the exclusive lock at path without blocking.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	meta := Meta{
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(meta)
	if err == nil {
		_ = os.WriteFile(path+".meta", data, 0644)
	}

	return &Lock{Path: path, file: f}, nil
}

// Release drops the flock, closes the file, and removes the meta sidecar.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("flock LOCK_UN: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	l.file = nil

	_ = os.Remove(l.Path + ".meta")
	return nil
}

// ReadMeta returns the metadata of the current lock holder, if present.
func ReadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path + ".meta")
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}
