package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SwapPair is an ordered "old | new" package replacement.
type SwapPair struct {
	Old string
	New string
}

type SystemConfig struct {
	Root     string `yaml:"root"`
	StateDir string `yaml:"state_dir"`
}

type PackagesConfig struct {
	Excluded              []string `yaml:"excluded"`
	Swaps                 []string `yaml:"swaps"`
	RepoAffecting         []string `yaml:"repo_affecting"`
	ReinstallBeforeRemove []string `yaml:"reinstall_before_remove"`
}

type KernelConfig struct {
	IgnoredModules []string `yaml:"ignored_modules"`
}

type ReposConfig struct {
	// Channel selects which repository list conversions enable:
	// "default", "eus" (extended update support), or "els" (extended
	// lifecycle support).
	Channel    string   `yaml:"channel"`
	Default    []string `yaml:"default"`
	EUS        []string `yaml:"eus"`
	ELS        []string `yaml:"els"`
	Releasever string   `yaml:"releasever"`
}

type EntitlementConfig struct {
	Binary         string `yaml:"binary"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RetryAttempts  int    `yaml:"retry_attempts"`
}

type PkgMgrConfig struct {
	Binary string `yaml:"binary"`
}

type Config struct {
	System      SystemConfig      `yaml:"system"`
	Packages    PackagesConfig    `yaml:"packages"`
	Kernel      KernelConfig      `yaml:"kernel"`
	Repos       ReposConfig       `yaml:"repos"`
	SigningKeys []string          `yaml:"signing_keys"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	PkgMgr      PkgMgrConfig      `yaml:"pkgmgr"`
}

func Default() *Config {
	return &Config{
		System: SystemConfig{
			Root:     "/",
			StateDir: "/var/lib/crossgrade",
		},
		Packages: PackagesConfig{
			Excluded: []string{
				"rhn*",
				"centos-logos",
				"centos-backgrounds",
				"centos-indexhtml",
			},
			Swaps: []string{
				"centos-logos | redhat-logos",
				"centos-release | redhat-release",
			},
			RepoAffecting: []string{
				"centos-release",
				"centos-repos",
			},
			ReinstallBeforeRemove: []string{"httpd"},
		},
		Kernel: KernelConfig{
			IgnoredModules: []string{},
		},
		Repos: ReposConfig{
			Channel: "default",
			Default: []string{"rhel-baseos", "rhel-appstream"},
			EUS:     []string{"rhel-baseos-eus", "rhel-appstream-eus"},
			ELS:     []string{"rhel-baseos-els", "rhel-appstream-els"},
		},
		SigningKeys: []string{"release-signing-key"},
		Entitlement: EntitlementConfig{
			Binary:         "subscription-manager",
			TimeoutSeconds: 300,
			RetryAttempts:  3,
		},
		PkgMgr: PkgMgrConfig{
			Binary: "dnf",
		},
	}
}

// Load reads the config at path, merging file values over defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure defaults for zero values
	if cfg.System.Root == "" {
		cfg.System.Root = "/"
	}
	if cfg.System.StateDir == "" {
		cfg.System.StateDir = "/var/lib/crossgrade"
	}
	if cfg.Entitlement.Binary == "" {
		cfg.Entitlement.Binary = "subscription-manager"
	}
	if cfg.Entitlement.TimeoutSeconds == 0 {
		cfg.Entitlement.TimeoutSeconds = 300
	}
	if cfg.Entitlement.RetryAttempts == 0 {
		cfg.Entitlement.RetryAttempts = 3
	}
	if cfg.PkgMgr.Binary == "" {
		cfg.PkgMgr.Binary = "dnf"
	}
	if cfg.Repos.Channel == "" {
		cfg.Repos.Channel = "default"
	}

	return cfg, nil
}

// ActiveRepos returns the repository list of the configured channel.
// An unknown channel falls back to the default list.
func (c *Config) ActiveRepos() []string {
	switch c.Repos.Channel {
	case "eus":
		return c.Repos.EUS
	case "els":
		return c.Repos.ELS
	default:
		return c.Repos.Default
	}
}

// SwapPairs parses the configured "old | new" swap strings.
// Pair order is significant; list order is not.
func (c *Config) SwapPairs() ([]SwapPair, error) {
	pairs := make([]SwapPair, 0, len(c.Packages.Swaps))
	for _, raw := range c.Packages.Swaps {
		parts := strings.Split(raw, "|")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid swap pair %q: expected \"old | new\"", raw)
		}
		oldName := strings.TrimSpace(parts[0])
		newName := strings.TrimSpace(parts[1])
		if oldName == "" || newName == "" {
			return nil, fmt.Errorf("invalid swap pair %q: empty package name", raw)
		}
		pairs = append(pairs, SwapPair{Old: oldName, New: newName})
	}
	return pairs, nil
}

// BackupDBPath returns the location of the persisted backup-record stack.
func (c *Config) BackupDBPath() string {
	return filepath.Join(c.System.StateDir, "backups.db")
}

// JournalDir returns the directory holding conversion journal files.
func (c *Config) JournalDir() string {
	return filepath.Join(c.System.StateDir, "journal")
}

// LockPath returns the path of the exclusive conversion lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.System.StateDir, "crossgrade.lock")
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.System.StateDir,
		c.JournalDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
