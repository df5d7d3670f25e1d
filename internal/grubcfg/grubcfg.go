// Package grubcfg edits the bootloader default-configuration file with
// line-level typed operations. Unrelated content (comments, blank
// lines, unknown directives) round-trips byte-exactly, so re-running
// the configurator is idempotent.
package grubcfg

import (
	"fmt"
	"os"
	"strings"
)

type line struct {
	raw       string
	key       string
	value     string
	directive bool
}

// File is the editable in-memory representation of a bootloader default
// file.
type File struct {
	lines       []line
	trailingEOL bool
}

// Parse builds the in-memory representation. Every input line is kept;
// KEY=VALUE lines are additionally indexed as directives.
func Parse(data []byte) *File {
	text := string(data)
	f := &File{trailingEOL: strings.HasSuffix(text, "\n") || text == ""}

	raw := strings.Split(text, "\n")
	if f.trailingEOL && len(raw) > 0 {
		raw = raw[:len(raw)-1]
	}
	for _, r := range raw {
		f.lines = append(f.lines, parseLine(r))
	}
	return f
}

func parseLine(raw string) line {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return line{raw: raw}
	}
	key, value, ok := strings.Cut(trimmed, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return line{raw: raw}
	}
	return line{raw: raw, key: key, value: unquote(value), directive: true}
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Get returns the value of a directive. With duplicate directives the
// last occurrence wins, matching how the bootloader reads the file.
func (f *File) Get(key string) (string, bool) {
	if i := f.lastIndex(key); i >= 0 {
		return f.lines[i].value, true
	}
	return "", false
}

// Set replaces the directive line in place, or appends one when the key
// is absent. With duplicate directives the last occurrence is edited,
// since that is the one the bootloader honors. Values containing
// whitespace are quoted. Setting an already-set value changes nothing.
func (f *File) Set(key, value string) {
	rendered := renderDirective(key, value)
	if i := f.lastIndex(key); i >= 0 {
		if f.lines[i].value == value {
			return
		}
		f.lines[i] = line{raw: rendered, key: key, value: value, directive: true}
		return
	}
	f.lines = append(f.lines, line{raw: rendered, key: key, value: value, directive: true})
}

func (f *File) lastIndex(key string) int {
	last := -1
	for i, l := range f.lines {
		if l.directive && l.key == key {
			last = i
		}
	}
	return last
}

func renderDirective(key, value string) string {
	if strings.ContainsAny(value, " \t") {
		return fmt.Sprintf("%s=%q", key, value)
	}
	return fmt.Sprintf("%s=%s", key, value)
}

// Directives returns the full directive set.
func (f *File) Directives() map[string]string {
	out := make(map[string]string)
	for _, l := range f.lines {
		if l.directive {
			out[l.key] = l.value
		}
	}
	return out
}

// Render serializes the file. With no edits applied it reproduces the
// parsed input exactly.
func (f *File) Render() []byte {
	raws := make([]string, 0, len(f.lines))
	for _, l := range f.lines {
		raws = append(raws, l.raw)
	}
	out := strings.Join(raws, "\n")
	if f.trailingEOL && out != "" {
		out += "\n"
	}
	return []byte(out)
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootloader config: %w", err)
	}
	return Parse(data), nil
}

// Write renders to path and verifies the written file parses back to
// the intended directive set before reporting success.
func (f *File) Write(path string) error {
	if err := os.WriteFile(path, f.Render(), 0644); err != nil {
		return fmt.Errorf("write bootloader config: %w", err)
	}
	return Verify(path, f.Directives())
}

// Verify re-parses the file at path and compares its directive set with
// want.
func Verify(path string, want map[string]string) error {
	reparsed, err := Load(path)
	if err != nil {
		return err
	}
	got := reparsed.Directives()
	if len(got) != len(want) {
		return fmt.Errorf("bootloader config verification failed: %d directives, want %d", len(got), len(want))
	}
	for key, value := range want {
		if got[key] != value {
			return fmt.Errorf("bootloader config verification failed: %s=%q, want %q", key, got[key], value)
		}
	}
	return nil
}
