package pkgmgr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DNF drives the host dnf binary. Every invocation carries the resolved
// releasever as a substitution variable and enables the configured
// target repositories.
type DNF struct {
	Binary      string
	Releasever  string
	EnableRepos []string
}

// NewDNF returns a DNF manager for the given binary path and releasever.
func NewDNF(binary, releasever string) *DNF {
	if binary == "" {
		binary = "dnf"
	}
	return &DNF{Binary: binary, Releasever: releasever}
}

func (d *DNF) baseArgs() []string {
	args := []string{"-y", "-q"}
	if d.Releasever != "" {
		args = append(args, "--releasever="+d.Releasever)
	}
	for _, repo := range d.EnableRepos {
		args = append(args, "--enablerepo="+repo)
	}
	return args
}

func (d *DNF) run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", d.Binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (d *DNF) QueryInstalled(ctx context.Context) ([]Package, error) {
	args := append(d.baseArgs(), "repoquery", "--installed", "--queryformat", "%{name} %{evr}\n")
	out, err := d.run(ctx, "", args...)
	if err != nil {
		return nil, err
	}
	return parseInstalled(out), nil
}

func (d *DNF) WhatRequires(ctx context.Context, name string) ([]string, error) {
	args := append(d.baseArgs(), "repoquery", "--installed", "--whatrequires", name, "--queryformat", "%{name}\n")
	out, err := d.run(ctx, "", args...)
	if err != nil {
		return nil, err
	}
	return parseNames(out), nil
}

func (d *DNF) AvailableKernels(ctx context.Context) ([]string, error) {
	args := append(d.baseArgs(), "repoquery", "--available", "--queryformat", "%{evr}\n", "kernel")
	out, err := d.run(ctx, "", args...)
	if err != nil {
		return nil, err
	}
	return parseNames(out), nil
}

func (d *DNF) TargetModules(ctx context.Context) ([]string, error) {
	args := append(d.baseArgs(), "repoquery", "--available", "-l", "kernel-core")
	out, err := d.run(ctx, "", args...)
	if err != nil {
		return nil, err
	}
	return parseModuleFiles(out), nil
}

func (d *DNF) ResolveTransaction(ctx context.Context, tx Transaction) error {
	if tx.Empty() {
		return nil
	}
	args := append(d.baseArgs(), "--assumeno", "shell")
	// --assumeno resolves the transaction and aborts before committing.
	_, err := d.run(ctx, shellScript(tx), args...)
	return err
}

func (d *DNF) ExecuteTransaction(ctx context.Context, tx Transaction) error {
	if tx.Empty() {
		return nil
	}
	args := append(d.baseArgs(), "shell")
	_, err := d.run(ctx, shellScript(tx), args...)
	return err
}

// shellScript renders a transaction as a dnf shell script so mixed
// remove/install steps resolve and execute as one unit, in order.
func shellScript(tx Transaction) string {
	var b strings.Builder
	for _, s := range tx.Steps {
		if s.Name == "" {
			fmt.Fprintf(&b, "%s\n", s.Op)
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", s.Op, s.Name)
	}
	b.WriteString("run\n")
	b.WriteString("exit\n")
	return b.String()
}

func parseInstalled(out string) []Package {
	var pkgs []Package
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		p := Package{Name: fields[0]}
		if len(fields) > 1 {
			p.Version = fields[1]
		}
		pkgs = append(pkgs, p)
	}
	return pkgs
}

// parseModuleFiles keeps the kernel module entries of a package file
// listing and drops documentation, firmware, and directory lines.
func parseModuleFiles(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "/kernel/") && strings.Contains(line, ".ko") {
			files = append(files, line)
		}
	}
	return files
}

func parseNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}
