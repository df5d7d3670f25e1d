package e2e_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestEnv is an isolated fixture system for one test: a fake system
// root, a private state directory, and mock dnf / subscription-manager
// binaries whose state lives in plain files.
type TestEnv struct {
	Root      string // fixture system root (os-release, grub default file)
	StateDir  string
	Config    string // config.yaml pointing the binaries at the mocks
	Installed string // mock dnf installed-package state file
	RegState  string // mock subscription-manager registration state file
	T         *testing.T

	extraEnv []string
}

const defaultInstalled = "rhn-check 2.8\ncentos-logos 80.5\nbash 4.4\n"

// newTestEnv builds a convertible CentOS 8.5 fixture. Tests mutate the
// fixture files to set up their scenario.
func newTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	dir := t.TempDir()
	env := &TestEnv{
		Root:      filepath.Join(dir, "root"),
		StateDir:  filepath.Join(dir, "state"),
		Config:    filepath.Join(dir, "config.yaml"),
		Installed: filepath.Join(dir, "installed"),
		RegState:  filepath.Join(dir, "registration"),
		T:         t,
	}

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed — cannot locate test source file")
	}
	testdata := filepath.Join(filepath.Dir(thisFile), "testdata")
	mockDNF := filepath.Join(testdata, "mock_dnf.sh")
	mockSM := filepath.Join(testdata, "mock_subscription_manager.sh")
	for _, mock := range []string{mockDNF, mockSM} {
		if _, err := os.Stat(mock); err != nil {
			t.Fatalf("mock script not found at %s: %v", mock, err)
		}
		if err := os.Chmod(mock, 0755); err != nil {
			t.Fatalf("chmod %s: %v", mock, err)
		}
	}

	env.writeFile(filepath.Join(env.Root, "etc", "os-release"), "ID=\"centos\"\nVERSION_ID=\"8.5\"\n")
	env.writeFile(filepath.Join(env.Root, "etc", "default", "grub"), "GRUB_TIMEOUT=5\nGRUB_DEFAULT=0\n")
	env.writeFile(env.Installed, defaultInstalled)
	env.writeFile(env.RegState, "")

	config := fmt.Sprintf(`system:
  root: %q
  state_dir: %q
pkgmgr:
  binary: %q
entitlement:
  binary: %q
  timeout_seconds: 10
  retry_attempts: 2
`, env.Root, env.StateDir, mockDNF, mockSM)
	env.writeFile(env.Config, config)

	return env
}

// runCrossgrade executes the compiled binary with the mock state files
// exposed through the environment.
func (e *TestEnv) runCrossgrade(args ...string) (stdout, stderr string, exitCode int) {
	e.T.Helper()

	cmd := exec.Command(crossgradeBin, args...)
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"MOCK_DNF_STATE=" + e.Installed,
		"MOCK_SM_STATE=" + e.RegState,
	}
	cmd.Env = append(cmd.Env, e.extraEnv...)

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	exitCode = 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return outBuf.String(), errBuf.String(), exitCode
}

// setEnv adds an environment variable for subsequent runCrossgrade calls.
func (e *TestEnv) setEnv(key, value string) {
	e.extraEnv = append(e.extraEnv, key+"="+value)
}

func (e *TestEnv) writeFile(path, content string) {
	e.T.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		e.T.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		e.T.Fatalf("write %s: %v", path, err)
	}
}

func (e *TestEnv) readFile(path string) string {
	e.T.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		e.T.Fatalf("readFile(%s): %v", path, err)
	}
	return string(data)
}

// installedPackages returns the package names the mock dnf currently
// considers installed.
func (e *TestEnv) installedPackages() map[string]bool {
	e.T.Helper()
	out := make(map[string]bool)
	for _, line := range strings.Split(e.readFile(e.Installed), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			out[fields[0]] = true
		}
	}
	return out
}

// register marks the mock entitlement service as registered with the
// given identity.
func (e *TestEnv) register(identity string) {
	e.writeFile(e.RegState, identity+"\n")
}
