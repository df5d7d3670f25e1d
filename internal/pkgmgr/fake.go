package pkgmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Manager for tests: a mutable installed set,
// injectable failures, and a log of executed transactions.
type Fake struct {
	mu sync.Mutex

	installed map[string]Package
	kernels   []string
	modules   []string

	ResolveErr error
	ExecuteErr error

	Resolved []Transaction
	Executed []Transaction

	// OnStep, when set, observes the installed package names after each
	// applied step.
	OnStep func(step Step, installed []string)
}

// NewFake returns a Fake seeded with the given installed packages.
func NewFake(installed ...Package) *Fake {
	f := &Fake{installed: make(map[string]Package)}
	for _, p := range installed {
		f.installed[p.Name] = p
	}
	return f
}

// SetAvailableKernels configures the target-repository kernel versions.
func (f *Fake) SetAvailableKernels(versions ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kernels = versions
}

// SetTargetModules configures the module files the target kernel ships.
func (f *Fake) SetTargetModules(files ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules = files
}

// Installed reports whether the named package is currently installed.
func (f *Fake) Installed(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.installed[name]
	return ok
}

// InstalledNames returns the sorted names of installed packages.
func (f *Fake) InstalledNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installedNamesLocked()
}

func (f *Fake) installedNamesLocked() []string {
	names := make([]string, 0, len(f.installed))
	for name := range f.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Fake) QueryInstalled(context.Context) ([]Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkgs := make([]Package, 0, len(f.installed))
	for _, name := range f.installedNamesLocked() {
		pkgs = append(pkgs, f.installed[name])
	}
	return pkgs, nil
}

func (f *Fake) WhatRequires(_ context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dependents []string
	for _, depName := range f.installedNamesLocked() {
		for _, req := range f.installed[depName].Requires {
			if req == name {
				dependents = append(dependents, depName)
			}
		}
	}
	return dependents, nil
}

func (f *Fake) AvailableKernels(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kernels...), nil
}

func (f *Fake) TargetModules(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.modules...), nil
}

func (f *Fake) ResolveTransaction(_ context.Context, tx Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResolveErr != nil {
		return f.ResolveErr
	}
	f.Resolved = append(f.Resolved, tx)
	return nil
}

func (f *Fake) ExecuteTransaction(_ context.Context, tx Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecuteErr != nil {
		return f.ExecuteErr
	}
	for _, step := range tx.Steps {
		switch step.Op {
		case OpRemove:
			if _, ok := f.installed[step.Name]; !ok {
				return fmt.Errorf("fake: cannot remove %s: not installed", step.Name)
			}
			delete(f.installed, step.Name)
		case OpInstall:
			f.installed[step.Name] = Package{Name: step.Name}
		case OpReinstall:
			if _, ok := f.installed[step.Name]; !ok {
				return fmt.Errorf("fake: cannot reinstall %s: not installed", step.Name)
			}
		case OpDistroSync:
			// The fake has no repository metadata; distro-sync keeps the
			// installed set as-is.
		default:
			return fmt.Errorf("fake: unknown op %q", step.Op)
		}
		if f.OnStep != nil {
			f.OnStep(step, f.installedNamesLocked())
		}
	}
	f.Executed = append(f.Executed, tx)
	return nil
}
