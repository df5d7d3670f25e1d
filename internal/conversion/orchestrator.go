package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crossgrade/crossgrade/internal/backup"
	"github.com/crossgrade/crossgrade/internal/config"
	"github.com/crossgrade/crossgrade/internal/grubcfg"
	"github.com/crossgrade/crossgrade/internal/hostinfo"
	"github.com/crossgrade/crossgrade/internal/inhibit"
	"github.com/crossgrade/crossgrade/internal/journal"
	"github.com/crossgrade/crossgrade/internal/pkgmgr"
	"github.com/crossgrade/crossgrade/internal/pkgplan"
	"github.com/crossgrade/crossgrade/internal/release"
	"github.com/crossgrade/crossgrade/internal/retry"
	"github.com/crossgrade/crossgrade/internal/subscription"
)

// Orchestrator sequences a conversion through its states. Every
// mutating step snapshots first; the backup stack is the orchestrator's
// undo log until Commit.
type Orchestrator struct {
	cfg     *config.Config
	mgr     pkgmgr.Manager
	client  subscription.Client
	subs    *subscription.Manager
	backups *backup.Manager
	journal *journal.Logger

	// Registry holds the pre-flight checks; callers may register extras
	// before Convert or Analyze runs.
	Registry *inhibit.Registry

	// Interrupted is consulted at action boundaries only. Nil means
	// never interrupted.
	Interrupted func() bool

	state State
}

// New wires an orchestrator and registers the restorers for every
// backup-record kind.
func New(cfg *config.Config, mgr pkgmgr.Manager, client subscription.Client, backups *backup.Manager, jl *journal.Logger) *Orchestrator {
	policy := retry.DefaultPolicy()
	if cfg.Entitlement.RetryAttempts > 0 {
		policy.MaxAttempts = cfg.Entitlement.RetryAttempts
	}

	registry := inhibit.NewRegistry()
	registry.Register(inhibit.UnsupportedRelease{})
	registry.Register(inhibit.PacketFilterCleanup{})
	registry.Register(inhibit.ReadonlyMounts{})
	registry.Register(inhibit.NonStandardKernel{})
	registry.Register(inhibit.UnsupportedKmods{IgnoredModules: cfg.Kernel.IgnoredModules, Modules: mgr})

	backups.RegisterRestorer(backup.KindFile, backup.FileRestorer{})
	backups.RegisterRestorer(backup.KindPackage, backup.PackageRestorer{Installer: managerInstaller{mgr: mgr}})
	backups.RegisterRestorer(backup.KindRegistration, subscription.Restorer{Client: client})

	return &Orchestrator{
		cfg:      cfg,
		mgr:      mgr,
		client:   client,
		subs:     subscription.NewManager(client, policy),
		backups:  backups,
		journal:  jl,
		Registry: registry,
		state:    StatePreFlight,
	}
}

// State returns the current lifecycle position.
func (o *Orchestrator) State() State {
	return o.state
}

// RunID returns the journal run identifier, or empty when the
// orchestrator runs without a journal.
func (o *Orchestrator) RunID() string {
	if o.journal == nil {
		return ""
	}
	return o.journal.RunID()
}

// Report is the read-only pre-flight assessment.
type Report struct {
	Facts   *hostinfo.Facts
	Release release.Release
	Results []inhibit.Result
	Plan    pkgplan.Plan
}

// Inhibited reports whether any check failed.
func (r *Report) Inhibited() bool {
	return len(inhibit.Failing(r.Results)) > 0
}

// Analyze runs pre-flight and planning without mutating anything. An
// inhibited report skips planning.
func (o *Orchestrator) Analyze(ctx context.Context) (*Report, error) {
	facts, err := hostinfo.Collect(o.cfg.System.Root)
	if err != nil {
		return nil, err
	}

	rep := &Report{Facts: facts}
	if rel, err := release.Resolve(facts.Identity, o.cfg.Repos.Releasever); err == nil {
		rep.Release = rel
	}

	rep.Results = o.Registry.RunAll(ctx, facts)
	if rep.Inhibited() {
		return rep, nil
	}

	rep.Plan, _, err = o.buildPlan(ctx, facts)
	if err != nil {
		return rep, err
	}
	return rep, nil
}

// Convert runs the full conversion and returns the terminal state. The
// returned state, not the error, decides the process exit code.
func (o *Orchestrator) Convert(ctx context.Context, creds subscription.Credentials) (State, error) {
	o.log(journal.Entry{Phase: "pre-flight", State: o.state.String()})

	facts, err := hostinfo.Collect(o.cfg.System.Root)
	if err != nil {
		return o.state, err
	}

	results := o.Registry.RunAll(ctx, facts)
	if failing := inhibit.Failing(results); len(failing) > 0 {
		err := &InhibitError{Results: failing}
		o.log(journal.Entry{Phase: "pre-flight", Error: err.Error()})
		return o.state, err
	}

	o.transition(StatePlanning)
	plan, versions, err := o.buildPlan(ctx, facts)
	if err != nil {
		return o.rollback(ctx, &TransactionError{Action: "plan", Err: err})
	}
	for _, a := range plan.Actions {
		o.log(journal.Entry{Phase: "planning", Action: a.String()})
	}

	o.transition(StateExecuting)
	if err := o.checkInterrupt(); err != nil {
		return o.rollback(ctx, err)
	}

	// Registration comes first: no package leaves the system before
	// entitled repositories are reachable.
	if err := o.ensureRegistration(ctx, creds); err != nil {
		return o.rollback(ctx, err)
	}

	if err := o.configureBootloader(); err != nil {
		return o.rollback(ctx, err)
	}

	for _, action := range plan.Actions {
		if err := o.checkInterrupt(); err != nil {
			return o.rollback(ctx, err)
		}
		o.log(journal.Entry{Phase: "executing", Action: action.String()})
		if err := o.applyAction(ctx, action, versions); err != nil {
			return o.rollback(ctx, err)
		}
	}

	if err := o.checkInterrupt(); err != nil {
		return o.rollback(ctx, err)
	}

	// Acceptance of the resolved transaction is the point of no return.
	if err := o.mgr.ResolveTransaction(ctx, plan.Final); err != nil {
		return o.rollback(ctx, &TransactionError{Action: "resolve final transaction", Err: err})
	}
	o.transition(StatePointOfNoReturn)

	if err := o.mgr.ExecuteTransaction(ctx, plan.Final); err != nil {
		o.transition(StateFailed)
		return o.state, &TransactionError{Action: "execute final transaction", Err: err}
	}

	if err := o.backups.Commit(); err != nil {
		o.log(journal.Entry{Phase: "commit", Error: err.Error()})
	}
	o.transition(StateCommitted)
	return o.state, nil
}

// ResumeRollback restores the persisted backup stack of an interrupted
// earlier run.
func (o *Orchestrator) ResumeRollback(ctx context.Context) error {
	o.log(journal.Entry{Phase: "rollback", Detail: "resuming from persisted backup records"})
	return o.backups.Rollback(ctx)
}

func (o *Orchestrator) ensureRegistration(ctx context.Context, creds subscription.Credentials) error {
	identity, err := o.client.Identity(ctx)
	if err != nil {
		return &RegistrationError{Err: err}
	}
	if _, err := o.backups.SnapshotRegistration(identity != "", identity); err != nil {
		return err
	}
	outcome, err := o.subs.Ensure(ctx, creds)
	if err != nil {
		return &RegistrationError{Err: err}
	}
	o.log(journal.Entry{
		Phase:  "executing",
		Action: "registration",
		Detail: fmt.Sprintf("identity=%s pre_registered=%t repos=%d", outcome.Identity, outcome.PreRegistered, len(outcome.Repos)),
	})
	return nil
}

// configureBootloader pins the saved-entry default so the kernel
// installed by the final transaction is what boots next. Hosts without
// the default file are left alone.
func (o *Orchestrator) configureBootloader() error {
	path := filepath.Join(o.cfg.System.Root, "etc", "default", "grub")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := o.backups.SnapshotFile(path); err != nil {
		return err
	}
	f, err := grubcfg.Load(path)
	if err != nil {
		return err
	}
	f.Set("GRUB_DEFAULT", "saved")
	o.log(journal.Entry{Phase: "executing", Action: "bootloader", Target: path})
	return f.Write(path)
}

func (o *Orchestrator) applyAction(ctx context.Context, a pkgplan.Action, versions map[string]string) error {
	switch a.Kind {
	case pkgplan.KindConfigWrite:
		if _, err := o.backups.SnapshotFile(a.Path); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(a.Path), 0755); err != nil {
			return &TransactionError{Action: a.String(), Err: err}
		}
		if err := os.WriteFile(a.Path, a.Content, 0644); err != nil {
			return &TransactionError{Action: a.String(), Err: err}
		}
		return nil

	case pkgplan.KindSwap:
		if _, err := o.backups.SnapshotPackage(a.Pkg, true, versions[a.Pkg]); err != nil {
			return err
		}
		_, newInstalled := versions[a.NewPkg]
		if _, err := o.backups.SnapshotPackage(a.NewPkg, newInstalled, versions[a.NewPkg]); err != nil {
			return err
		}
		return o.executeSteps(ctx, a,
			pkgmgr.Step{Op: pkgmgr.OpRemove, Name: a.Pkg},
			pkgmgr.Step{Op: pkgmgr.OpInstall, Name: a.NewPkg},
		)

	case pkgplan.KindRemove:
		if _, err := o.backups.SnapshotPackage(a.Pkg, true, versions[a.Pkg]); err != nil {
			return err
		}
		return o.executeSteps(ctx, a, pkgmgr.Step{Op: pkgmgr.OpRemove, Name: a.Pkg})

	case pkgplan.KindInstall:
		if a.Reinstall {
			if _, err := o.backups.SnapshotPackage(a.Pkg, true, versions[a.Pkg]); err != nil {
				return err
			}
			return o.executeSteps(ctx, a, pkgmgr.Step{Op: pkgmgr.OpReinstall, Name: a.Pkg})
		}
		if _, err := o.backups.SnapshotPackage(a.Pkg, false, ""); err != nil {
			return err
		}
		return o.executeSteps(ctx, a, pkgmgr.Step{Op: pkgmgr.OpInstall, Name: a.Pkg})

	default:
		return &TransactionError{Action: a.String(), Err: fmt.Errorf("unknown action kind %q", a.Kind)}
	}
}

func (o *Orchestrator) executeSteps(ctx context.Context, a pkgplan.Action, steps ...pkgmgr.Step) error {
	if err := o.mgr.ExecuteTransaction(ctx, pkgmgr.Transaction{Steps: steps}); err != nil {
		return &TransactionError{Action: a.String(), Err: err}
	}
	return nil
}

// buildPlan assembles the plan input from configuration and the host
// package set, and returns the installed-version index alongside.
func (o *Orchestrator) buildPlan(ctx context.Context, facts *hostinfo.Facts) (pkgplan.Plan, map[string]string, error) {
	pairs, err := o.cfg.SwapPairs()
	if err != nil {
		return pkgplan.Plan{}, nil, err
	}
	rules := pkgplan.Rules{
		ExcludedGlobs:         o.cfg.Packages.Excluded,
		RepoAffecting:         o.cfg.Packages.RepoAffecting,
		ReinstallBeforeRemove: o.cfg.Packages.ReinstallBeforeRemove,
		IgnoredKmods:          o.cfg.Kernel.IgnoredModules,
	}
	for _, p := range pairs {
		rules.Swaps = append(rules.Swaps, pkgplan.SwapRule{Old: p.Old, New: p.New})
	}

	installed, err := o.mgr.QueryInstalled(ctx)
	if err != nil {
		return pkgplan.Plan{}, nil, err
	}
	versions := make(map[string]string, len(installed))
	for _, p := range installed {
		versions[p.Name] = p.Version
	}

	matcher, err := pkgplan.CompileMatcher(rules.ExcludedGlobs)
	if err != nil {
		return pkgplan.Plan{}, nil, err
	}
	dependents := make(map[string][]string)
	for _, p := range installed {
		if !matcher.Match(p.Name) {
			continue
		}
		deps, err := o.mgr.WhatRequires(ctx, p.Name)
		if err != nil {
			return pkgplan.Plan{}, nil, err
		}
		if len(deps) > 0 {
			dependents[p.Name] = deps
		}
	}

	kernels, err := o.mgr.AvailableKernels(ctx)
	if err != nil {
		return pkgplan.Plan{}, nil, err
	}

	plan, err := pkgplan.Build(pkgplan.Input{
		Rules:           rules,
		Installed:       installed,
		Dependents:      dependents,
		ConfigWrites:    o.signingKeyWrites(),
		RunningKernel:   facts.KernelVersion,
		TargetKernels:   kernels,
		SourceKernelPkg: "kernel-" + facts.KernelVersion,
		TargetKernelPkg: "kernel",
	})
	if err != nil {
		return pkgplan.Plan{}, nil, err
	}
	return plan, versions, nil
}

// signingKeyWrites maps configured signing keys onto config-write
// actions. Keys whose material is not shipped under the keys directory
// are skipped.
func (o *Orchestrator) signingKeyWrites() []pkgplan.ConfigWrite {
	var writes []pkgplan.ConfigWrite
	for _, name := range o.cfg.SigningKeys {
		src := filepath.Join(o.cfg.System.Root, "usr", "share", "crossgrade", "keys", name+".gpg")
		content, err := os.ReadFile(src)
		if err != nil {
			o.log(journal.Entry{Phase: "planning", Action: "signing-key", Target: name, Detail: "key material not shipped, skipped"})
			continue
		}
		writes = append(writes, pkgplan.ConfigWrite{
			Path:    filepath.Join(o.cfg.System.Root, "etc", "pki", "rpm-gpg", "RPM-GPG-KEY-"+name),
			Content: content,
		})
	}
	return writes
}

// rollback restores the backup stack and decides the terminal state: a
// clean restore ends in RolledBack, a partial one needs manual
// intervention.
func (o *Orchestrator) rollback(ctx context.Context, cause error) (State, error) {
	o.log(journal.Entry{Phase: "rollback", Detail: cause.Error()})
	if err := o.backups.Rollback(ctx); err != nil {
		o.transition(StateFailed)
		return o.state, errors.Join(cause, err)
	}
	o.transition(StateRolledBack)
	return o.state, cause
}

func (o *Orchestrator) transition(next State) {
	if !o.state.CanTransition(next) {
		panic(fmt.Sprintf("invalid state transition %s -> %s", o.state, next))
	}
	o.state = next
	o.log(journal.Entry{Phase: "state", State: next.String()})
}

func (o *Orchestrator) checkInterrupt() error {
	if o.Interrupted != nil && o.Interrupted() {
		return ErrInterrupted
	}
	return nil
}

// log appends to the journal; journal failures never abort a conversion.
func (o *Orchestrator) log(e journal.Entry) {
	if o.journal == nil {
		return
	}
	_ = o.journal.Append(e)
}

// managerInstaller adapts the package manager to the single-package
// operations the package restorer needs.
type managerInstaller struct {
	mgr pkgmgr.Manager
}

func (m managerInstaller) Install(ctx context.Context, name string) error {
	return m.mgr.ExecuteTransaction(ctx, pkgmgr.Transaction{Steps: []pkgmgr.Step{{Op: pkgmgr.OpInstall, Name: name}}})
}

func (m managerInstaller) Remove(ctx context.Context, name string) error {
	return m.mgr.ExecuteTransaction(ctx, pkgmgr.Transaction{Steps: []pkgmgr.Step{{Op: pkgmgr.OpRemove, Name: name}}})
}

func (m managerInstaller) IsInstalled(ctx context.Context, name string) (bool, error) {
	pkgs, err := m.mgr.QueryInstalled(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pkgs {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}
