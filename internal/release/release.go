// Package release resolves the effective conversion target from the
// source system identity, static distro-version mappings, and optional
// user overrides.
package release

import (
	"errors"
	"fmt"
	"strings"

	"github.com/crossgrade/crossgrade/internal/hostinfo"
)

// ErrUnsupported is returned when the source release has no conversion
// mapping.
var ErrUnsupported = errors.New("unsupported source release")

// TargetVendor is the distribution lineage conversions target.
const TargetVendor = "rhel"

// supportedMajors maps source vendors to the major releases that can be
// converted. Minor versions within a supported major are accepted.
var supportedMajors = map[string][]int{
	"centos":    {7, 8},
	"almalinux": {8, 9},
	"rocky":     {8, 9},
	"ol":        {7, 8},
}

// Release is the resolved conversion target. Immutable after Resolve.
type Release struct {
	Source     hostinfo.Identity
	Target     hostinfo.Identity
	Releasever string
}

// Supported reports whether the source identity has a conversion mapping.
func Supported(id hostinfo.Identity) bool {
	majors, ok := supportedMajors[strings.ToLower(id.Vendor)]
	if !ok {
		return false
	}
	for _, m := range majors {
		if m == id.Major {
			return true
		}
	}
	return false
}

// Resolve computes the target identity and releasever for a source
// system. The override, when non-empty, wins over the derived releasever;
// it feeds every package-manager invocation as a substitution variable.
func Resolve(source hostinfo.Identity, override string) (Release, error) {
	if !Supported(source) {
		return Release{}, fmt.Errorf("%w: %s", ErrUnsupported, source)
	}

	target := hostinfo.Identity{
		Vendor: TargetVendor,
		Major:  source.Major,
		Minor:  source.Minor,
	}

	rel := Release{Source: source, Target: target}
	if strings.TrimSpace(override) != "" {
		rel.Releasever = strings.TrimSpace(override)
	} else {
		rel.Releasever = deriveReleasever(target)
	}
	return rel, nil
}

// deriveReleasever maps a target identity onto the version-substitution
// variable used in repository URLs. Majors of 8 and newer resolve minor
// repositories; older majors have a single versionless tree.
func deriveReleasever(target hostinfo.Identity) string {
	if target.Major >= 8 {
		return fmt.Sprintf("%d.%d", target.Major, target.Minor)
	}
	return fmt.Sprintf("%d", target.Major)
}
