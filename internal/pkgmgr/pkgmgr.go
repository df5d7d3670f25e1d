// Package pkgmgr exposes the host package manager as a narrow capability:
// query the installed set, resolve a transaction, execute a transaction.
// The conversion orchestrates calls against this interface; it never
// implements package management itself.
package pkgmgr

import (
	"context"
	"fmt"
	"strings"
)

// Package is one installed (or installable) package.
type Package struct {
	Name    string
	Version string
	// Requires lists package names this package depends on. Populated
	// by implementations that have cheap access to dependency data.
	Requires []string
}

// Op is a transaction step operation.
type Op string

const (
	OpRemove    Op = "remove"
	OpInstall   Op = "install"
	OpReinstall Op = "reinstall"
	// OpDistroSync re-bases every installed package onto the configured
	// repositories; it takes no package name.
	OpDistroSync Op = "distro-sync"
)

// Step is a single operation within a transaction.
type Step struct {
	Op   Op
	Name string
}

// Transaction is an ordered list of steps executed as one unit by the
// package manager.
type Transaction struct {
	Steps []Step
}

func (t Transaction) Empty() bool {
	return len(t.Steps) == 0
}

func (t Transaction) String() string {
	parts := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		if s.Name == "" {
			parts = append(parts, string(s.Op))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", s.Op, s.Name))
	}
	return strings.Join(parts, "; ")
}

// Manager is the package-manager capability the conversion requires.
// Keep it small and focused on what the orchestrator needs so it stays
// fakeable.
type Manager interface {
	// QueryInstalled returns the currently installed package set.
	QueryInstalled(ctx context.Context) ([]Package, error)

	// WhatRequires returns names of installed packages depending on the
	// named package.
	WhatRequires(ctx context.Context, name string) ([]string, error)

	// AvailableKernels returns kernel versions installable from the
	// target repositories.
	AvailableKernels(ctx context.Context) ([]string, error)

	// TargetModules returns the kernel module files shipped by the
	// target repositories' kernel packages.
	TargetModules(ctx context.Context) ([]string, error)

	// ResolveTransaction asks the package manager to resolve and accept
	// the transaction without executing it. Acceptance is the
	// orchestrator's point-of-no-return marker.
	ResolveTransaction(ctx context.Context, tx Transaction) error

	// ExecuteTransaction runs the transaction. Steps execute in order
	// within a single package-manager invocation.
	ExecuteTransaction(ctx context.Context, tx Transaction) error
}
