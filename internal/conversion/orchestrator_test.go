package conversion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/crossgrade/crossgrade/internal/backup"
	"github.com/crossgrade/crossgrade/internal/config"
	"github.com/crossgrade/crossgrade/internal/pkgmgr"
	"github.com/crossgrade/crossgrade/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureRoot(t *testing.T, osRelease string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc", "default"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "os-release"), []byte(osRelease), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "default", "grub"), []byte("GRUB_TIMEOUT=5\nGRUB_DEFAULT=0\n"), 0644))
	return root
}

const centosRelease = "ID=\"centos\"\nVERSION_ID=\"8.5\"\n"

type testHarness struct {
	cfg    *config.Config
	mgr    *pkgmgr.Fake
	client *subscription.FakeClient
	orch   *Orchestrator
}

func newHarness(t *testing.T, osRelease string, mgr *pkgmgr.Fake, client *subscription.FakeClient) *testHarness {
	t.Helper()
	cfg := config.Default()
	cfg.System.Root = fixtureRoot(t, osRelease)
	cfg.System.StateDir = t.TempDir()

	store, err := backup.Open(cfg.BackupDBPath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := New(cfg, mgr, client, backup.NewManager(store), nil)
	return &testHarness{cfg: cfg, mgr: mgr, client: client, orch: orch}
}

func centosPackages() *pkgmgr.Fake {
	return pkgmgr.NewFake(
		pkgmgr.Package{Name: "rhn-check", Version: "2.8"},
		pkgmgr.Package{Name: "centos-logos", Version: "80.5"},
		pkgmgr.Package{Name: "bash", Version: "4.4"},
	)
}

func TestConvertCommitted(t *testing.T) {
	h := newHarness(t, centosRelease, centosPackages(), subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"))

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
	assert.Equal(t, StateCommitted, h.orch.State())

	assert.False(t, h.mgr.Installed("rhn-check"))
	assert.False(t, h.mgr.Installed("centos-logos"))
	assert.True(t, h.mgr.Installed("redhat-logos"))
	assert.True(t, h.mgr.Installed("bash"))

	// The final transaction was resolved (point of no return) before it
	// was executed.
	require.Len(t, h.mgr.Resolved, 1)
	assert.Equal(t, pkgmgr.OpDistroSync, h.mgr.Resolved[0].Steps[0].Op)

	// Commit discarded the backup stack.
	records, err := h.orch.backups.Records()
	require.NoError(t, err)
	assert.Empty(t, records)

	// The bootloader default was pinned.
	grub, err := os.ReadFile(filepath.Join(h.cfg.System.Root, "etc", "default", "grub"))
	require.NoError(t, err)
	assert.Contains(t, string(grub), "GRUB_DEFAULT=saved")
	assert.Contains(t, string(grub), "GRUB_TIMEOUT=5")
}

func TestConvertPreRegisteredIdentityUnchanged(t *testing.T) {
	client := subscription.NewFakeClient("pre-uuid", "rhel-8-baseos")
	h := newHarness(t, centosRelease, centosPackages(), client)

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)

	identity, err := client.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pre-uuid", identity)
	assert.Zero(t, client.RegisterCalls)
}

func TestConvertInhibitedPerformsZeroMutation(t *testing.T) {
	h := newHarness(t, "ID=fedora\nVERSION_ID=39\n", centosPackages(), subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"))

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	var inhErr *InhibitError
	require.ErrorAs(t, err, &inhErr)
	assert.Equal(t, StatePreFlight, state)
	assert.Equal(t, "unsupported-release", inhErr.Results[0].ID)

	assert.Empty(t, h.mgr.Executed)
	records, recErr := h.orch.backups.Records()
	require.NoError(t, recErr)
	assert.Empty(t, records)
}

func TestConvertInhibitsOnUnsupportedKmod(t *testing.T) {
	mgr := centosPackages()
	mgr.SetTargetModules("kernel/net/netfilter/nf_tables.ko.xz")
	h := newHarness(t, centosRelease, mgr, subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"))

	// A loaded module the target kernel does not ship.
	procDir := filepath.Join(h.cfg.System.Root, "proc")
	require.NoError(t, os.MkdirAll(procDir, 0755))
	modules := "kvdo 524288 0 - Live 0x0000000000000000\nnf_tables 356352 100 - Live 0x0000000000000000\n"
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "modules"), []byte(modules), 0644))

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	var inhErr *InhibitError
	require.ErrorAs(t, err, &inhErr)
	assert.Equal(t, StatePreFlight, state)
	require.Len(t, inhErr.Results, 1)
	assert.Equal(t, "unsupported-kmods", inhErr.Results[0].ID)
	assert.Contains(t, inhErr.Results[0].Message, "kvdo")
	assert.Empty(t, h.mgr.Executed)
}

func TestConvertInhibitsOnNonStandardKernel(t *testing.T) {
	h := newHarness(t, centosRelease, centosPackages(), subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"))

	kernelDir := filepath.Join(h.cfg.System.Root, "proc", "sys", "kernel")
	require.NoError(t, os.MkdirAll(kernelDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "osrelease"), []byte("5.4.17-2136.307.3.1.el8uek.x86_64\n"), 0644))

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	var inhErr *InhibitError
	require.ErrorAs(t, err, &inhErr)
	assert.Equal(t, StatePreFlight, state)
	require.Len(t, inhErr.Results, 1)
	assert.Equal(t, "non-standard-kernel", inhErr.Results[0].ID)
	assert.Empty(t, h.mgr.Executed)
}

func TestConvertUnregisteredWithoutCredentialsRollsBack(t *testing.T) {
	h := newHarness(t, centosRelease, centosPackages(), subscription.NewFakeClient(""))

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	assert.Equal(t, StateRolledBack, state)

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.ErrorIs(t, err, subscription.ErrSystemNotRegistered)

	// Registration fails before any package action, so the rollback had
	// nothing but the registration record to restore.
	assert.True(t, h.mgr.Installed("rhn-check"))
	assert.True(t, h.mgr.Installed("centos-logos"))
	records, recErr := h.orch.backups.Records()
	require.NoError(t, recErr)
	assert.Empty(t, records)
}

func TestConvertResolveFailureRollsBackSwapsAndRemovals(t *testing.T) {
	mgr := centosPackages()
	mgr.ResolveErr = errors.New("depsolve failed")
	h := newHarness(t, centosRelease, mgr, subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"))

	grubPath := filepath.Join(h.cfg.System.Root, "etc", "default", "grub")
	original, err := os.ReadFile(grubPath)
	require.NoError(t, err)

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	assert.Equal(t, StateRolledBack, state)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)

	// The swap and the removal were undone.
	assert.True(t, h.mgr.Installed("centos-logos"))
	assert.False(t, h.mgr.Installed("redhat-logos"))
	assert.True(t, h.mgr.Installed("rhn-check"))

	// The bootloader default file is back to its pre-conversion bytes.
	restored, readErr := os.ReadFile(grubPath)
	require.NoError(t, readErr)
	assert.Equal(t, string(original), string(restored))

	records, recErr := h.orch.backups.Records()
	require.NoError(t, recErr)
	assert.Empty(t, records)
}

// failFinalMgr fails only the bulk re-base transaction, after the point
// of no return.
type failFinalMgr struct {
	*pkgmgr.Fake
}

func (m failFinalMgr) ExecuteTransaction(ctx context.Context, tx pkgmgr.Transaction) error {
	if len(tx.Steps) > 0 && tx.Steps[0].Op == pkgmgr.OpDistroSync {
		return errors.New("disk full during transaction")
	}
	return m.Fake.ExecuteTransaction(ctx, tx)
}

func TestConvertFailurePastPointOfNoReturnDoesNotRollBack(t *testing.T) {
	cfg := config.Default()
	cfg.System.Root = fixtureRoot(t, centosRelease)
	cfg.System.StateDir = t.TempDir()

	store, err := backup.Open(cfg.BackupDBPath())
	require.NoError(t, err)
	defer store.Close()

	mgr := centosPackages()
	orch := New(cfg, failFinalMgr{Fake: mgr}, subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"), backup.NewManager(store), nil)

	state, err := orch.Convert(context.Background(), subscription.Credentials{})
	assert.Equal(t, StateFailed, state)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)

	// Pre-transaction actions stay applied: forward fixing only.
	assert.False(t, mgr.Installed("rhn-check"))
	assert.True(t, mgr.Installed("redhat-logos"))
	records, recErr := store.All()
	require.NoError(t, recErr)
	assert.NotEmpty(t, records)
}

func TestConvertInterruptHonoredAtActionBoundary(t *testing.T) {
	h := newHarness(t, centosRelease, centosPackages(), subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"))
	h.orch.Interrupted = func() bool { return true }

	state, err := h.orch.Convert(context.Background(), subscription.Credentials{})
	assert.Equal(t, StateRolledBack, state)
	assert.ErrorIs(t, err, ErrInterrupted)

	assert.True(t, h.mgr.Installed("rhn-check"))
	assert.True(t, h.mgr.Installed("centos-logos"))
	assert.False(t, h.mgr.Installed("redhat-logos"))
}

func TestAnalyzeIsReadOnly(t *testing.T) {
	h := newHarness(t, centosRelease, centosPackages(), subscription.NewFakeClient("pre-uuid", "rhel-8-baseos"))

	rep, err := h.orch.Analyze(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Inhibited())
	assert.Equal(t, "rhel-8.5", rep.Release.Target.String())
	assert.NotEmpty(t, rep.Plan.Actions)

	assert.Empty(t, h.mgr.Executed)
	assert.Empty(t, h.mgr.Resolved)
	records, recErr := h.orch.backups.Records()
	require.NoError(t, recErr)
	assert.Empty(t, records)
	assert.Equal(t, StatePreFlight, h.orch.State())
}

func TestAnalyzeInhibitedSkipsPlanning(t *testing.T) {
	h := newHarness(t, "ID=fedora\nVERSION_ID=39\n", centosPackages(), subscription.NewFakeClient(""))

	rep, err := h.orch.Analyze(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Inhibited())
	assert.True(t, rep.Plan.Empty())
}

func TestResumeRollbackRestoresPersistedStack(t *testing.T) {
	h := newHarness(t, centosRelease, centosPackages(), subscription.NewFakeClient(""))

	_, err := h.orch.backups.SnapshotPackage("rhn-check", true, "2.8")
	require.NoError(t, err)
	require.NoError(t, h.mgr.ExecuteTransaction(context.Background(), pkgmgr.Transaction{
		Steps: []pkgmgr.Step{{Op: pkgmgr.OpRemove, Name: "rhn-check"}},
	}))
	require.False(t, h.mgr.Installed("rhn-check"))

	require.NoError(t, h.orch.ResumeRollback(context.Background()))
	assert.True(t, h.mgr.Installed("rhn-check"))
}

func TestStateTransitionGraph(t *testing.T) {
	assert.True(t, StatePreFlight.CanTransition(StatePlanning))
	assert.True(t, StateExecuting.CanTransition(StatePointOfNoReturn))
	assert.True(t, StateExecuting.CanTransition(StateRolledBack))
	assert.True(t, StatePointOfNoReturn.CanTransition(StateCommitted))
	assert.True(t, StatePointOfNoReturn.CanTransition(StateFailed))

	// No rollback past the point of no return, no re-entry, terminal
	// states have no exits.
	assert.False(t, StatePointOfNoReturn.CanTransition(StateRolledBack))
	assert.False(t, StateExecuting.CanTransition(StatePlanning))
	assert.False(t, StateCommitted.CanTransition(StateFailed))
	assert.False(t, StateRolledBack.CanTransition(StateExecuting))

	for _, s := range []State{StateCommitted, StateRolledBack, StateFailed} {
		assert.True(t, s.Terminal())
	}
	assert.False(t, StateExecuting.Terminal())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "point-of-no-return", StatePointOfNoReturn.String())
	assert.Equal(t, "failed-needs-manual-intervention", StateFailed.String())
}
