package agent

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	versionPattern   = regexp.MustCompile(`v?(\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?)`)
	osVersionPattern = regexp.MustCompile(`<os-version>([^<]+)</os-version>`)
)

// PackageVersion extracts a semantic version from an upgrade bundle filename,
// e.g. "os-image-v24.11.1.pkg" yields "24.11.1". Returns nil when the name
// carries no parseable version.
func PackageVersion(filename string) *semver.Version {
	m := versionPattern.FindStringSubmatch(filename)
	if m == nil {
		return nil
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil
	}
	return v
}

// FirmwareVersion extracts the firmware version from an operational status
// payload (the system-state os-version leaf). Empty when the device does not
// report one.
func FirmwareVersion(payload string) string {
	m := osVersionPattern.FindStringSubmatch(payload)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// IsDowngrade reports whether installing candidate over current would move
// the device backwards. Unknown versions on either side never count as a
// downgrade.
func IsDowngrade(current, candidate string) bool {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	cand := PackageVersion(candidate)
	if cand == nil {
		return false
	}
	return cand.LessThan(cur)
}
