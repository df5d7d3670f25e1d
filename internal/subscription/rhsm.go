package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RHSM drives the host subscription-manager binary.
type RHSM struct {
	Binary  string
	Timeout time.Duration
}

// NewRHSM returns an RHSM client for the given binary path. A zero
// timeout means no per-call deadline.
func NewRHSM(binary string, timeout time.Duration) *RHSM {
	if binary == "" {
		binary = "subscription-manager"
	}
	return &RHSM{Binary: binary, Timeout: timeout}
}

func (r *RHSM) run(ctx context.Context, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s %s: %w: %s", r.Binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Identity returns the system identity UUID, or the empty string when
// the host is not registered. subscription-manager exits 1 on an
// unregistered host; that is a state, not a failure.
func (r *RHSM) Identity(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "identity")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(strings.ToLower(key)) == "system identity" {
			return strings.TrimSpace(value), nil
		}
	}
	return "", fmt.Errorf("no system identity in %q output", r.Binary)
}

func (r *RHSM) Register(ctx context.Context, creds Credentials) error {
	args := []string{"register"}
	if creds.ActivationKey != "" {
		args = append(args, "--activationkey="+creds.ActivationKey, "--org="+creds.Org)
	} else {
		args = append(args, "--username="+creds.Username, "--password="+creds.Password)
	}
	_, err := r.run(ctx, args...)
	return err
}

func (r *RHSM) Unregister(ctx context.Context) error {
	_, err := r.run(ctx, "unregister")
	return err
}

// AutoAttach attaches entitlements automatically. Accounts under
// simple content access need no attachment; that response is success.
func (r *RHSM) AutoAttach(ctx context.Context) error {
	out, err := r.run(ctx, "attach", "--auto")
	if err != nil && strings.Contains(strings.ToLower(out+err.Error()), "simple content access") {
		return nil
	}
	return err
}

func (r *RHSM) EntitledRepos(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "repos", "--list-enabled")
	if err != nil {
		return nil, err
	}
	var repos []string
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "Repo ID" {
			repos = append(repos, strings.TrimSpace(value))
		}
	}
	return repos, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}
