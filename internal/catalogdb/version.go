package catalogdb

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// findNewest returns whichever candidate is strictly newer than
// currentVersion, or nil if none qualifies. HEAD-YYYYMMDDTHHMM versions
// are not semver; for those (on either side) comparison falls back to a
// plain lexical compare of the suffix, since the timestamp sorts
// correctly as a string.
func findNewest(candidates []Package, currentVersion string) *Package {
	var best *Package
	for i := range candidates {
		c := &candidates[i]
		if c.Version == currentVersion {
			continue
		}
		if isNewer(c.Version, currentVersion) && (best == nil || isNewer(c.Version, best.Version)) {
			best = c
		}
	}
	return best
}

func isNewer(candidate, current string) bool {
	candHead, candIsHead := headSuffix(candidate)
	curHead, curIsHead := headSuffix(current)

	if candIsHead && curIsHead {
		return candHead > curHead
	}
	if candIsHead != curIsHead {
		// Mixed HEAD/tagged pair: a HEAD candidate counts as newer than
		// a tagged current version, and a tagged candidate never counts
		// as newer than a HEAD current version.
		return candIsHead
	}

	cv, err1 := semver.NewVersion(candidate)
	pv, err2 := semver.NewVersion(current)
	if err1 != nil || err2 != nil {
		return candidate > current
	}
	return cv.GreaterThan(pv)
}

const headPrefix = "HEAD-"

func headSuffix(v string) (string, bool) {
	if strings.HasPrefix(v, headPrefix) {
		return strings.TrimPrefix(v, headPrefix), true
	}
	return "", false
}
