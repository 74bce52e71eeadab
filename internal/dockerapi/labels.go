package dockerapi

import "strings"

// Policy represents a container's update policy.
type Policy string

const (
	PolicyAuto   Policy = "auto"
	PolicyManual Policy = "manual"
	PolicyPinned Policy = "pinned"
)

// ContainerPolicy reads the sentinel.policy label from container labels
// and returns the update policy and whether it came from the label. Falls
// back to defaultPolicy (and false) if the label is unset or not a known
// policy.
func ContainerPolicy(labels map[string]string, defaultPolicy string) (Policy, bool) {
	if v, ok := labels["sentinel.policy"]; ok {
		switch Policy(strings.ToLower(v)) {
		case PolicyAuto:
			return PolicyAuto, true
		case PolicyManual:
			return PolicyManual, true
		case PolicyPinned:
			return PolicyPinned, true
		}
	}
	return Policy(defaultPolicy), false
}

// IsLocalImage reports whether the image reference looks like a locally
// built image that has no registry to check against. It returns false for
// every reference: references with a slash or a dot name a
// registry or a Docker Hub org, and bare names like "myapp:v1" cannot be
// told apart from official images like "nginx", so all of them go through
// the registry check (DistributionInspect handles auth failures gracefully).
func IsLocalImage(imageRef string) bool {
	// Strip tag/digest for analysis.
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}

	// If there's a slash, it could be a Docker Hub org image (gitea/gitea)
	// or a registry (ghcr.io/owner/image). Either way, not local.
	if strings.Contains(ref, "/") {
		return false
	}

	// If there's a dot, it's a registry hostname. Not local.
	if strings.Contains(ref, ".") {
		return false
	}

	// Bare single-segment names: official Docker Hub images like "nginx",
	// "postgres", "redis" are real registry images. But locally built images
	// like "myapp" also look like this. We can't distinguish them reliably,
	// so we DON'T mark them as local — let the registry check try and fail
	// gracefully for truly local images.
	return false
}
