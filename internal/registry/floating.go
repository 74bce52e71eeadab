package registry

import (
	"regexp"
	"strings"
)

// FloatingMode is a ContainerUpdate's tag-tracking mode.
type FloatingMode string

const (
	ModeExact  FloatingMode = "exact"
	ModePatch  FloatingMode = "patch"
	ModeMinor  FloatingMode = "minor"
	ModeLatest FloatingMode = "latest"
)

// semverTagRe matches an optional "v" prefix, three dot-separated numeric
// groups, and an optional suffix such as "-alpine".
var semverTagRe = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-.+)?$`)

// ComputeFloatingTag derives the tag that should be tracked for mode m given
// a concrete image reference such as "nginx:1.25.3-alpine". Non-semver tags
// are returned unchanged for any mode other than latest. The function is
// idempotent: applying it twice with the same mode yields the same result.
func ComputeFloatingTag(imageRef string, m FloatingMode) string {
	repo, tag := splitTag(imageRef)
	if m == ModeLatest {
		return repo + ":latest"
	}

	match := semverTagRe.FindStringSubmatch(tag)
	if match == nil {
		return imageRef
	}
	vPrefix := ""
	if strings.HasPrefix(tag, "v") {
		vPrefix = "v"
	}
	major, minor := match[1], match[2]
	suffix := match[4]

	switch m {
	case ModeExact:
		return repo + ":" + tag
	case ModePatch:
		return repo + ":" + vPrefix + major + "." + minor + suffix
	case ModeMinor:
		return repo + ":" + vPrefix + major + suffix
	default:
		return imageRef
	}
}

func splitTag(imageRef string) (repo, tag string) {
	i := strings.LastIndex(imageRef, ":")
	slash := strings.LastIndex(imageRef, "/")
	if i < 0 || i < slash {
		return imageRef, ""
	}
	return imageRef[:i], imageRef[i+1:]
}

// extractTag returns the tag of an image reference, or "" when the
// reference has no tag or is pinned by digest.
func extractTag(imageRef string) string {
	if strings.Contains(imageRef, "@") {
		return ""
	}
	_, tag := splitTag(imageRef)
	return tag
}

// IsPinnedSemver reports whether tag is a three-part semver (optional "v"
// prefix, optional suffix) as opposed to a floating major/minor tag.
func IsPinnedSemver(tag string) bool {
	return semverTagRe.MatchString(tag)
}

// floatingTagRe matches a bare major or major.minor tag: "1", "1.25".
var floatingTagRe = regexp.MustCompile(`^v?(\d+)(\.\d+)?$`)

// IsFloatingMajorMinor reports whether tag is a floating major or
// major.minor tag such as "1" or "1.25", used to classify the TTL bucket
// per spec §4.1.
func IsFloatingMajorMinor(tag string) bool {
	if tag == "latest" {
		return false
	}
	return floatingTagRe.MatchString(tag)
}

// classifyTagShape buckets a tag per spec §4.1's TTL table.
func classifyTagShape(tag string) tagShape {
	switch {
	case tag == "latest":
		return shapeLatest
	case IsPinnedSemver(tag):
		return shapePinned
	case IsFloatingMajorMinor(tag):
		return shapeFloating
	default:
		return shapeDefault
	}
}

type tagShape int

const (
	shapeLatest tagShape = iota
	shapePinned
	shapeFloating
	shapeDefault
)
