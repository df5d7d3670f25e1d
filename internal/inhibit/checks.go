package inhibit

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/crossgrade/crossgrade/internal/hostinfo"
	"github.com/crossgrade/crossgrade/internal/release"
)

// UnsupportedRelease inhibits when the source release has no conversion
// mapping.
type UnsupportedRelease struct{}

func (UnsupportedRelease) ID() string { return "unsupported-release" }

func (u UnsupportedRelease) Check(_ context.Context, facts *hostinfo.Facts) Result {
	if !release.Supported(facts.Identity) {
		return Result{
			ID:      u.ID(),
			Inhibit: true,
			Message: fmt.Sprintf("source release %s is not supported for conversion", facts.Identity),
		}
	}
	return Result{ID: u.ID(), Message: "OK"}
}

// PacketFilterCleanup inhibits when the network-filtering service is
// active with cleanup-on-exit enabled: restarting it mid-conversion would
// wipe kernel packet-filter rules irrecoverably.
type PacketFilterCleanup struct{}

func (PacketFilterCleanup) ID() string { return "packet-filter-cleanup" }

func (p PacketFilterCleanup) Check(_ context.Context, facts *hostinfo.Facts) Result {
	if facts.FirewallActive && facts.FirewallCleanupOnExit {
		return Result{
			ID:      p.ID(),
			Inhibit: true,
			Message: "firewalld is running with CleanupModulesOnExit enabled; disable the flag and restart firewalld before converting",
		}
	}
	return Result{ID: p.ID(), Message: "OK"}
}

// ReadonlyMounts inhibits when any of the watched paths is mounted
// read-only; the conversion writes under them.
type ReadonlyMounts struct {
	Paths []string
}

func (ReadonlyMounts) ID() string { return "readonly-mounts" }

func (r ReadonlyMounts) Check(_ context.Context, facts *hostinfo.Facts) Result {
	paths := r.Paths
	if len(paths) == 0 {
		paths = []string{"/mnt", "/sys"}
	}

	var readonly []string
	for _, p := range paths {
		if m, ok := facts.MountAt(p); ok && m.ReadOnly() {
			readonly = append(readonly, p)
		}
	}
	if len(readonly) > 0 {
		return Result{
			ID:      r.ID(),
			Inhibit: true,
			Message: fmt.Sprintf("mounted filesystems %s are read-only; remount them read-write", strings.Join(readonly, ", ")),
		}
	}
	return Result{ID: r.ID(), Message: "OK"}
}

// ModuleLister supplies the kernel module files the target
// repositories ship. The package manager implements it.
type ModuleLister interface {
	TargetModules(ctx context.Context) ([]string, error)
}

// UnsupportedKmods inhibits when loaded kernel modules are absent from
// the target module set. The set comes from the static TargetModules
// list when given, otherwise from a Modules query. Modules on the
// ignore list are expected to be missing after conversion and never
// inhibit. An empty target set means the target metadata was
// unavailable and the check passes.
type UnsupportedKmods struct {
	TargetModules  []string
	IgnoredModules []string
	Modules        ModuleLister
}

func (UnsupportedKmods) ID() string { return "unsupported-kmods" }

func (u UnsupportedKmods) Check(ctx context.Context, facts *hostinfo.Facts) Result {
	targetModules := u.TargetModules
	if len(targetModules) == 0 && u.Modules != nil {
		var err error
		targetModules, err = u.Modules.TargetModules(ctx)
		if err != nil {
			return Result{
				ID:      u.ID(),
				Inhibit: true,
				Message: fmt.Sprintf("could not list target kernel modules: %v", err),
			}
		}
	}
	if len(targetModules) == 0 {
		return Result{ID: u.ID(), Message: "OK"}
	}

	target := make(map[string]struct{}, len(targetModules))
	for _, m := range targetModules {
		target[moduleName(m)] = struct{}{}
	}
	ignored := make(map[string]struct{}, len(u.IgnoredModules))
	for _, m := range u.IgnoredModules {
		ignored[moduleName(m)] = struct{}{}
	}

	var missing []string
	for _, m := range facts.LoadedModules {
		name := moduleName(m)
		if _, ok := target[name]; ok {
			continue
		}
		if _, ok := ignored[name]; ok {
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return Result{
			ID:      u.ID(),
			Inhibit: true,
			Message: fmt.Sprintf("loaded kernel modules not available on the target system: %s", strings.Join(missing, ", ")),
		}
	}
	return Result{ID: u.ID(), Message: "OK"}
}

// NonStandardKernel inhibits when the booted kernel is not the source
// distribution's standard build. Vendor builds (Oracle UEK, realtime
// kernels) have no one-to-one replacement in the target repositories,
// so the standard kernel must be booted first. An unknown kernel
// version passes.
type NonStandardKernel struct{}

func (NonStandardKernel) ID() string { return "non-standard-kernel" }

func (n NonStandardKernel) Check(_ context.Context, facts *hostinfo.Facts) Result {
	v := facts.KernelVersion
	if v == "" || standardKernel(v) {
		return Result{ID: n.ID(), Message: "OK"}
	}
	return Result{
		ID:      n.ID(),
		Inhibit: true,
		Message: fmt.Sprintf("booted kernel %s is not the distribution's standard kernel; boot the standard kernel and retry", v),
	}
}

// standardKernel reports whether a kernel release string carries a
// plain distribution tag like "el8" or "el8_5" and no vendor build
// marker such as "uek" or a realtime segment.
func standardKernel(version string) bool {
	tagged := false
	for _, seg := range strings.Split(version, ".") {
		if strings.Contains(seg, "uek") {
			return false
		}
		if seg == "rt" || (strings.HasPrefix(seg, "rt") && allDigits(seg[len("rt"):])) {
			return false
		}
		if strings.HasPrefix(seg, "el") && allDigits(strings.ReplaceAll(seg[len("el"):], "_", "")) {
			tagged = true
		}
	}
	return tagged
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// moduleName normalizes a module path like
// "kernel/drivers/block/kvdo.ko" to its bare name.
func moduleName(p string) string {
	name := path.Base(strings.TrimSpace(p))
	name = strings.TrimSuffix(name, ".xz")
	name = strings.TrimSuffix(name, ".ko")
	return name
}
