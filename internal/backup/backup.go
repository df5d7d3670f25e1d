// Package backup is the rollback engine: an append-only LIFO stack of
// typed backup records, persisted incrementally so it survives a crash.
// Restoration runs in strict reverse order of creation and is
// best-effort; a record that fails to restore never stops the records
// beneath it from being attempted.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind discriminates the payload schema of a record.
type Kind string

const (
	KindFile         Kind = "file"
	KindPackage      Kind = "package"
	KindRegistration Kind = "registration"
)

// Record is one reversible unit of system state, captured before the
// change it guards against.
type Record struct {
	Seq       int64  `json:"seq"`
	Kind      Kind   `json:"kind"`
	Target    string `json:"target"`
	Payload   []byte `json:"payload"`
	CreatedAt string `json:"created_at"` // RFC3339
}

// FilePayload is the pre-change state of a file. Absent files are
// recorded too, so restore can delete a file the conversion created.
type FilePayload struct {
	Existed bool   `json:"existed"`
	Mode    uint32 `json:"mode,omitempty"`
	Content []byte `json:"content,omitempty"`
}

// PackagePayload is the pre-change installation state of a package.
type PackagePayload struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

// RegistrationPayload is the pre-change entitlement registration state.
type RegistrationPayload struct {
	WasRegistered bool   `json:"was_registered"`
	Identity      string `json:"identity,omitempty"`
}

// Restorer reverses records of one kind.
type Restorer interface {
	Restore(ctx context.Context, rec Record) error
}

// RestorerFunc adapts a function to the Restorer interface.
type RestorerFunc func(ctx context.Context, rec Record) error

func (f RestorerFunc) Restore(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// RollbackError aggregates per-record restore failures. Rollback keeps
// going past failures, so one error value can carry several causes.
type RollbackError struct {
	Failures []error
}

func (e *RollbackError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, err := range e.Failures {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("rollback completed with %d failure(s): %s",
		len(e.Failures), strings.Join(msgs, "; "))
}

// Manager owns the backup stack. Snapshot methods push records;
// Rollback pops and restores them newest-first; Commit discards them.
type Manager struct {
	store     *Store
	restorers map[Kind]Restorer
}

// NewManager returns a Manager over the given store with no restorers
// registered.
func NewManager(store *Store) *Manager {
	return &Manager{store: store, restorers: make(map[Kind]Restorer)}
}

// RegisterRestorer installs the restorer for a record kind, replacing
// any previous one.
func (m *Manager) RegisterRestorer(kind Kind, r Restorer) {
	m.restorers[kind] = r
}

// Records returns the current stack in creation order.
func (m *Manager) Records() ([]Record, error) {
	return m.store.All()
}

// SnapshotFile captures the current state of path, including its
// absence, and pushes a file record.
func (m *Manager) SnapshotFile(path string) (Record, error) {
	payload := FilePayload{}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return Record{}, fmt.Errorf("backup: snapshot %s: %w", path, readErr)
		}
		payload.Existed = true
		payload.Mode = uint32(info.Mode().Perm())
		payload.Content = content
	case os.IsNotExist(err):
		// Restoring this record deletes whatever was written there.
	default:
		return Record{}, fmt.Errorf("backup: snapshot %s: %w", path, err)
	}
	return m.push(KindFile, path, payload)
}

// SnapshotPackage pushes a package record capturing whether the named
// package is installed and at which version.
func (m *Manager) SnapshotPackage(name string, installed bool, version string) (Record, error) {
	return m.push(KindPackage, name, PackagePayload{Installed: installed, Version: version})
}

// SnapshotRegistration pushes a registration record capturing the
// pre-conversion entitlement state.
func (m *Manager) SnapshotRegistration(wasRegistered bool, identity string) (Record, error) {
	return m.push(KindRegistration, "entitlement", RegistrationPayload{
		WasRegistered: wasRegistered,
		Identity:      identity,
	})
}

func (m *Manager) push(kind Kind, target string, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("backup: encode %s payload: %w", kind, err)
	}
	return m.store.Append(kind, target, data)
}

// Rollback restores every record in strict reverse order of creation.
// Successfully restored records are deleted as it goes, so a retried
// rollback replays only what failed; rolling back an empty stack is a
// no-op. Failures are aggregated into a RollbackError.
func (m *Manager) Rollback(ctx context.Context) error {
	records, err := m.store.All()
	if err != nil {
		return err
	}

	var failures []error
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		restorer, ok := m.restorers[rec.Kind]
		if !ok {
			failures = append(failures, fmt.Errorf("record %d (%s %s): no restorer registered", rec.Seq, rec.Kind, rec.Target))
			continue
		}
		if err := restorer.Restore(ctx, rec); err != nil {
			failures = append(failures, fmt.Errorf("record %d (%s %s): %w", rec.Seq, rec.Kind, rec.Target, err))
			continue
		}
		if err := m.store.Delete(rec.Seq); err != nil {
			failures = append(failures, fmt.Errorf("record %d (%s %s): drop after restore: %w", rec.Seq, rec.Kind, rec.Target, err))
		}
	}

	if len(failures) > 0 {
		return &RollbackError{Failures: failures}
	}
	return nil
}

// Commit discards the stack. After the point of no return the records
// no longer describe a reachable state.
func (m *Manager) Commit() error {
	return m.store.Clear()
}

// FileRestorer restores file records: rewrite the captured content and
// mode, or delete the file when it did not exist at snapshot time.
type FileRestorer struct{}

func (FileRestorer) Restore(_ context.Context, rec Record) error {
	var payload FilePayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return fmt.Errorf("decode file payload: %w", err)
	}
	if !payload.Existed {
		if err := os.Remove(rec.Target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", rec.Target, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(rec.Target), 0755); err != nil {
		return fmt.Errorf("restore %s: %w", rec.Target, err)
	}
	if err := os.WriteFile(rec.Target, payload.Content, os.FileMode(payload.Mode)); err != nil {
		return fmt.Errorf("restore %s: %w", rec.Target, err)
	}
	return nil
}

// PackageInstaller is the slice of the package manager the package
// restorer needs.
type PackageInstaller interface {
	Install(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	IsInstalled(ctx context.Context, name string) (bool, error)
}

// PackageRestorer restores package records by converging the installed
// state back to the snapshot: reinstall what was installed, remove what
// was not.
type PackageRestorer struct {
	Installer PackageInstaller
}

func (r PackageRestorer) Restore(ctx context.Context, rec Record) error {
	var payload PackagePayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return fmt.Errorf("decode package payload: %w", err)
	}
	installed, err := r.Installer.IsInstalled(ctx, rec.Target)
	if err != nil {
		return fmt.Errorf("query %s: %w", rec.Target, err)
	}
	switch {
	case payload.Installed && !installed:
		return r.Installer.Install(ctx, rec.Target)
	case !payload.Installed && installed:
		return r.Installer.Remove(ctx, rec.Target)
	}
	return nil
}
