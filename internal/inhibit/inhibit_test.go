package inhibit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/crossgrade/crossgrade/internal/hostinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func centosFacts() *hostinfo.Facts {
	return &hostinfo.Facts{
		Identity: hostinfo.Identity{Vendor: "centos", Major: 8, Minor: 5},
	}
}

func TestRunAllEvaluatesEverythingAfterFailure(t *testing.T) {
	r := NewRegistry()
	var evaluated atomic.Int32

	fail := func(id string) Inhibitor {
		return CustomInhibitor{CheckID: id, Fn: func(context.Context, *hostinfo.Facts) Result {
			evaluated.Add(1)
			return Result{ID: id, Inhibit: true, Message: id + " failed"}
		}}
	}
	pass := func(id string) Inhibitor {
		return CustomInhibitor{CheckID: id, Fn: func(context.Context, *hostinfo.Facts) Result {
			evaluated.Add(1)
			return Result{ID: id, Message: "OK"}
		}}
	}

	r.Register(fail("a"))
	r.Register(pass("b"))
	r.Register(fail("c"))

	results := r.RunAll(context.Background(), centosFacts())

	assert.Equal(t, int32(3), evaluated.Load(), "every inhibitor runs even after a failure")
	require.Len(t, results, 3)
	// Registration order preserved.
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "c", results[2].ID)

	failing := Failing(results)
	require.Len(t, failing, 2)
	assert.Equal(t, "a failed", failing[0].Message)
	assert.Equal(t, "c failed", failing[1].Message)
}

func TestRunAllEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	results := r.RunAll(context.Background(), centosFacts())
	assert.Empty(t, Failing(results))
}

func TestUnsupportedRelease(t *testing.T) {
	facts := centosFacts()
	res := UnsupportedRelease{}.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)

	facts.Identity = hostinfo.Identity{Vendor: "gentoo", Major: 2}
	res = UnsupportedRelease{}.Check(context.Background(), facts)
	assert.True(t, res.Inhibit)
	assert.Contains(t, res.Message, "gentoo-2.0")
}

func TestPacketFilterCleanup(t *testing.T) {
	facts := centosFacts()

	res := PacketFilterCleanup{}.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)

	// Active without the cleanup flag is fine.
	facts.FirewallActive = true
	res = PacketFilterCleanup{}.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)

	// Active and cleanup-on-exit wipes packet-filter rules: inhibit.
	facts.FirewallCleanupOnExit = true
	res = PacketFilterCleanup{}.Check(context.Background(), facts)
	assert.True(t, res.Inhibit)

	// Flag set but service inactive is fine.
	facts.FirewallActive = false
	res = PacketFilterCleanup{}.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)
}

func TestReadonlyMounts(t *testing.T) {
	facts := centosFacts()
	facts.Mounts = []hostinfo.Mount{
		{Path: "/sys", Options: []string{"ro", "nosuid"}},
		{Path: "/", Options: []string{"rw", "relatime"}},
	}

	res := ReadonlyMounts{}.Check(context.Background(), facts)
	assert.True(t, res.Inhibit)
	assert.Contains(t, res.Message, "/sys")

	facts.Mounts[0].Options = []string{"rw"}
	res = ReadonlyMounts{}.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)
}

func TestUnsupportedKmods(t *testing.T) {
	facts := centosFacts()
	facts.LoadedModules = []string{"nf_tables", "kvdo"}

	check := UnsupportedKmods{TargetModules: []string{"kernel/net/netfilter/nf_tables.ko"}}
	res := check.Check(context.Background(), facts)
	assert.True(t, res.Inhibit)
	assert.Contains(t, res.Message, "kvdo")

	// Ignore-listed modules are expected-missing and do not inhibit.
	check.IgnoredModules = []string{"kernel/drivers/block/kvdo.ko"}
	res = check.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)
}

func TestUnsupportedKmodsNoTargetData(t *testing.T) {
	facts := centosFacts()
	facts.LoadedModules = []string{"anything"}

	res := UnsupportedKmods{}.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)
}

type staticModules []string

func (s staticModules) TargetModules(context.Context) ([]string, error) {
	return s, nil
}

type failingModules struct{}

func (failingModules) TargetModules(context.Context) ([]string, error) {
	return nil, errors.New("repoquery failed")
}

func TestUnsupportedKmodsQueriesModuleLister(t *testing.T) {
	facts := centosFacts()
	facts.LoadedModules = []string{"nf_tables", "kvdo"}

	check := UnsupportedKmods{Modules: staticModules{"kernel/net/netfilter/nf_tables.ko.xz"}}
	res := check.Check(context.Background(), facts)
	assert.True(t, res.Inhibit)
	assert.Contains(t, res.Message, "kvdo")

	// The static list, when given, takes precedence over the query.
	check.TargetModules = []string{"kernel/net/netfilter/nf_tables.ko", "kernel/drivers/block/kvdo.ko"}
	res = check.Check(context.Background(), facts)
	assert.False(t, res.Inhibit)
}

func TestUnsupportedKmodsListerFailureInhibits(t *testing.T) {
	facts := centosFacts()
	facts.LoadedModules = []string{"nf_tables"}

	res := UnsupportedKmods{Modules: failingModules{}}.Check(context.Background(), facts)
	assert.True(t, res.Inhibit)
	assert.Contains(t, res.Message, "repoquery failed")
}

func TestNonStandardKernel(t *testing.T) {
	facts := centosFacts()

	standard := []string{
		"4.18.0-348.el8.x86_64",
		"4.18.0-348.2.1.el8_5.x86_64",
		"3.10.0-1160.el7.x86_64",
		"", // unknown version degrades to pass
	}
	for _, v := range standard {
		facts.KernelVersion = v
		res := NonStandardKernel{}.Check(context.Background(), facts)
		assert.False(t, res.Inhibit, "kernel %q", v)
	}

	nonStandard := []string{
		"5.4.17-2136.307.3.1.el8uek.x86_64",
		"4.18.0-348.rt7.130.el8.x86_64",
		"6.5.0-custom",
	}
	for _, v := range nonStandard {
		facts.KernelVersion = v
		res := NonStandardKernel{}.Check(context.Background(), facts)
		require.True(t, res.Inhibit, "kernel %q", v)
		assert.Contains(t, res.Message, v)
	}
}
