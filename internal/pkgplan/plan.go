// Package pkgplan computes the package-transformation plan for a
// conversion from declarative package rules and the state of the host.
// Plans are data; execution belongs to the orchestrator.
package pkgplan

import (
	"fmt"
	"sort"

	"github.com/crossgrade/crossgrade/internal/pkgmgr"
)

// SwapRule pairs a source package with its target replacement. The pair
// is ordered; the rule list is not.
type SwapRule struct {
	Old string
	New string
}

// Rules are the declarative package rules loaded from configuration.
type Rules struct {
	ExcludedGlobs         []string
	Swaps                 []SwapRule
	RepoAffecting         []string
	ReinstallBeforeRemove []string
	IgnoredKmods          []string
}

// ActionKind enumerates plan actions.
type ActionKind string

const (
	KindConfigWrite ActionKind = "config-write"
	KindInstall     ActionKind = "install"
	KindRemove      ActionKind = "remove"
	KindSwap        ActionKind = "swap"
)

// Action is one ordered step of the plan. Every action is snapshotted
// before it executes.
type Action struct {
	Kind   ActionKind
	Pkg    string
	NewPkg string

	Path    string
	Content []byte

	// Reinstall marks an install of an already-installed package, used
	// for dependency repair.
	Reinstall bool
	Reason    string
}

func (a Action) String() string {
	switch a.Kind {
	case KindConfigWrite:
		return fmt.Sprintf("config-write %s", a.Path)
	case KindSwap:
		return fmt.Sprintf("swap %s -> %s", a.Pkg, a.NewPkg)
	case KindInstall:
		if a.Reinstall {
			return fmt.Sprintf("reinstall %s", a.Pkg)
		}
		return fmt.Sprintf("install %s", a.Pkg)
	default:
		return fmt.Sprintf("%s %s", a.Kind, a.Pkg)
	}
}

// ConfigWrite is a file the plan writes before package actions run
// (signing keys, repository definitions).
type ConfigWrite struct {
	Path    string
	Content []byte
}

// Input is everything Build needs; all of it is read before planning and
// immutable during it.
type Input struct {
	Rules     Rules
	Installed []pkgmgr.Package

	// Dependents maps an excluded package to the installed packages
	// requiring it, as reported by the package manager.
	Dependents map[string][]string

	ConfigWrites []ConfigWrite

	RunningKernel   string
	TargetKernels   []string
	SourceKernelPkg string
	TargetKernelPkg string
}

// Plan is the computed transformation: ordered pre-transaction actions,
// then the final bulk transaction handed to the package manager.
type Plan struct {
	Actions []Action
	Final   pkgmgr.Transaction
}

// Empty reports whether the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.Actions) == 0 && p.Final.Empty()
}

// Build computes the plan:
//  1. excluded globs expand against the installed set (order-independent),
//  2. swap pairs apply atomically when the old package is installed,
//  3. dependents of excluded packages reinstall before the removal runs,
//     so the dependency graph is satisfied at every execution step,
//  4. the final transaction re-bases the system and orders the kernel
//     swap install-before-remove when the running kernel version is the
//     only version available on the target.
func Build(in Input) (Plan, error) {
	matcher, err := CompileMatcher(in.Rules.ExcludedGlobs)
	if err != nil {
		return Plan{}, err
	}

	installed := make(map[string]struct{}, len(in.Installed))
	for _, p := range in.Installed {
		installed[p.Name] = struct{}{}
	}

	swapOld := make(map[string]struct{})
	var swaps []Action
	for _, rule := range in.Rules.Swaps {
		if _, ok := installed[rule.Old]; !ok {
			continue
		}
		swapOld[rule.Old] = struct{}{}
		swaps = append(swaps, Action{Kind: KindSwap, Pkg: rule.Old, NewPkg: rule.New})
	}
	sort.Slice(swaps, func(i, j int) bool { return swaps[i].Pkg < swaps[j].Pkg })

	var excluded []string
	for name := range installed {
		if !matcher.Match(name) {
			continue
		}
		if _, ok := swapOld[name]; ok {
			// The swap already replaces it atomically.
			continue
		}
		excluded = append(excluded, name)
	}
	sort.Strings(excluded)
	excluded = repoAffectingLast(excluded, in.Rules.RepoAffecting)

	reinstalls := dependencyRepairs(in, installed, excluded)

	actions := make([]Action, 0, len(in.ConfigWrites)+len(reinstalls)+len(swaps)+len(excluded))
	for _, cw := range in.ConfigWrites {
		actions = append(actions, Action{Kind: KindConfigWrite, Path: cw.Path, Content: cw.Content})
	}
	for _, name := range reinstalls {
		actions = append(actions, Action{
			Kind:      KindInstall,
			Pkg:       name,
			Reinstall: true,
			Reason:    "depends on an excluded package",
		})
	}
	actions = append(actions, swaps...)
	for _, name := range excluded {
		actions = append(actions, Action{Kind: KindRemove, Pkg: name})
	}

	return Plan{Actions: actions, Final: finalTransaction(in)}, nil
}

// dependencyRepairs returns, sorted, the installed packages that must be
// reinstalled before excluded packages are removed: dependents reported
// by the package manager, plus the configured known-problematic list.
func dependencyRepairs(in Input, installed map[string]struct{}, excluded []string) []string {
	need := make(map[string]struct{})
	for _, e := range excluded {
		for _, dep := range in.Dependents[e] {
			need[dep] = struct{}{}
		}
	}
	for _, name := range in.Rules.ReinstallBeforeRemove {
		if _, ok := installed[name]; ok {
			need[name] = struct{}{}
		}
	}
	// Excluded packages are being removed; never reinstall them.
	for _, e := range excluded {
		delete(need, e)
	}

	out := make([]string, 0, len(need))
	for name := range need {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// repoAffectingLast reorders removals so packages holding repository
// definitions go last; resolution metadata stays available for every
// earlier removal. Relative order within each group is preserved.
func repoAffectingLast(excluded, repoAffecting []string) []string {
	affecting := make(map[string]struct{}, len(repoAffecting))
	for _, name := range repoAffecting {
		affecting[name] = struct{}{}
	}

	out := make([]string, 0, len(excluded))
	var tail []string
	for _, name := range excluded {
		if _, ok := affecting[name]; ok {
			tail = append(tail, name)
			continue
		}
		out = append(out, name)
	}
	return append(out, tail...)
}

// finalTransaction builds the bulk conversion transaction. In the
// single-kernel edge case the target kernel installs before the source
// kernel is removed, so the installed-kernel count never drops to zero.
func finalTransaction(in Input) pkgmgr.Transaction {
	tx := pkgmgr.Transaction{Steps: []pkgmgr.Step{{Op: pkgmgr.OpDistroSync}}}

	if in.TargetKernelPkg == "" {
		return tx
	}
	if singleKernelCollision(in.RunningKernel, in.TargetKernels) {
		tx.Steps = append(tx.Steps,
			pkgmgr.Step{Op: pkgmgr.OpInstall, Name: in.TargetKernelPkg},
			pkgmgr.Step{Op: pkgmgr.OpRemove, Name: in.SourceKernelPkg},
		)
		return tx
	}
	tx.Steps = append(tx.Steps, pkgmgr.Step{Op: pkgmgr.OpInstall, Name: in.TargetKernelPkg})
	return tx
}

// singleKernelCollision reports whether the running kernel version is
// the only kernel version available from the target repositories.
func singleKernelCollision(running string, targets []string) bool {
	return len(targets) == 1 && running != "" && targets[0] == running
}
