package content

import (
	"strings"

	"golang.org/x/mod/semver"
)

// ZeroVersion is the implicit version of a collection that has never been
// synced from the origin.
const ZeroVersion = "0.0.0"

// DefaultDatasetVersion is reported before any sync has completed.
const DefaultDatasetVersion = "1.0.0"

func canonicalSemver(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// ValidVersion reports whether v is a major[.minor[.patch]] semantic version,
// with or without a leading "v".
func ValidVersion(v string) bool {
	return semver.IsValid(canonicalSemver(v))
}

// CompareVersions returns -1, 0 or +1. An empty or malformed version sorts
// before every valid one, and two malformed versions compare equal.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalSemver(a), canonicalSemver(b))
}

// IsNewer reports whether remote is strictly newer than local. An empty local
// version is treated as ZeroVersion.
func IsNewer(remote, local string) bool {
	if strings.TrimSpace(local) == "" {
		local = ZeroVersion
	}
	return CompareVersions(remote, local) > 0
}
