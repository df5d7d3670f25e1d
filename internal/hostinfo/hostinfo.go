// Package hostinfo reads the identity and state of the running system.
// All reads go through a configurable root prefix so tests can point the
// collector at a fixture tree.
package hostinfo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Identity identifies a distribution release.
type Identity struct {
	Vendor string
	Major  int
	Minor  int
}

func (id Identity) String() string {
	return fmt.Sprintf("%s-%d.%d", id.Vendor, id.Major, id.Minor)
}

// Mount is one entry of the mount table.
type Mount struct {
	Device  string
	Path    string
	FSType  string
	Options []string
}

// ReadOnly reports whether the mount carries the "ro" option.
func (m Mount) ReadOnly() bool {
	for _, opt := range m.Options {
		if opt == "ro" {
			return true
		}
	}
	return false
}

// Facts is a read-only snapshot of the host, gathered once before
// pre-flight and immutable thereafter.
type Facts struct {
	Identity              Identity
	KernelVersion         string
	LoadedModules         []string
	Mounts                []Mount
	FirewallActive        bool
	FirewallCleanupOnExit bool
}

// Collect gathers host facts beneath root. The os-release file is
// required; kernel, module, and mount data degrade to empty values when
// the corresponding proc files are absent.
func Collect(root string) (*Facts, error) {
	id, err := readOSRelease(filepath.Join(root, "etc", "os-release"))
	if err != nil {
		return nil, err
	}

	facts := &Facts{Identity: id}
	facts.KernelVersion = readTrimmed(filepath.Join(root, "proc", "sys", "kernel", "osrelease"))
	facts.LoadedModules = readModules(filepath.Join(root, "proc", "modules"))
	facts.Mounts = readMounts(filepath.Join(root, "proc", "mounts"))
	facts.FirewallActive = fileExists(filepath.Join(root, "run", "firewalld.pid"))
	facts.FirewallCleanupOnExit = readFirewallCleanup(filepath.Join(root, "etc", "firewalld", "firewalld.conf"))
	return facts, nil
}

func readOSRelease(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read os-release: %w", err)
	}

	var vendor, version string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ID="):
			vendor = unquote(strings.TrimPrefix(line, "ID="))
		case strings.HasPrefix(line, "VERSION_ID="):
			version = unquote(strings.TrimPrefix(line, "VERSION_ID="))
		}
	}
	if vendor == "" || version == "" {
		return Identity{}, fmt.Errorf("os-release at %s is missing ID or VERSION_ID", path)
	}

	id := Identity{Vendor: vendor}
	parts := strings.SplitN(version, ".", 2)
	id.Major, err = strconv.Atoi(parts[0])
	if err != nil {
		return Identity{}, fmt.Errorf("invalid VERSION_ID %q: %w", version, err)
	}
	if len(parts) == 2 {
		id.Minor, err = strconv.Atoi(parts[1])
		if err != nil {
			return Identity{}, fmt.Errorf("invalid VERSION_ID %q: %w", version, err)
		}
	}
	return id, nil
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readModules(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var mods []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			mods = append(mods, fields[0])
		}
	}
	return mods
}

func readMounts(path string) []Mount {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var mounts []Mount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		mounts = append(mounts, Mount{
			Device:  fields[0],
			Path:    fields[1],
			FSType:  fields[2],
			Options: strings.Split(fields[3], ","),
		})
	}
	return mounts
}

func readFirewallCleanup(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "CleanupModulesOnExit") {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "yes", "true":
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MountAt returns the mount entry for path, if any.
func (f *Facts) MountAt(path string) (Mount, bool) {
	for _, m := range f.Mounts {
		if m.Path == path {
			return m, true
		}
	}
	return Mount{}, false
}
