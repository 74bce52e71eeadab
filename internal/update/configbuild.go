package update

import (
	"context"
	"maps"
	"strconv"
	"strings"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/dockerapi"
)

// deferredConnect is a network attachment spec §4.5 defers to a post-create
// network.connect step rather than passing inline at creation.
type deferredConnect struct {
	NetworkID string
	Settings  *network.EndpointSettings
}

// cloneConfig creates a shallow copy of the container config with cloned
// labels, grounded on the teacher's engine.cloneConfig.
func cloneConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	return &clone
}

// extractUserLabels drops any label whose value matches the old image's own
// default for that key, leaving only what the operator actually added (spec
// §4.5's label-extraction rule). The new image's own defaults then apply
// naturally since they aren't carried forward as explicit config.
func extractUserLabels(containerLabels, imageDefaultLabels map[string]string) map[string]string {
	out := make(map[string]string, len(containerLabels))
	for k, v := range containerLabels {
		if dv, ok := imageDefaultLabels[k]; ok && dv == v {
			continue
		}
		out[k] = v
	}
	return out
}

// adjustForPodman applies spec §4.5's Podman-specific HostConfig fixups:
// NanoCPUs isn't honored by Podman's Docker-API shim, so it's converted to
// an equivalent CPUPeriod/CPUQuota pair; MemorySwappiness isn't supported at
// all under Podman's cgroup v2 default and is dropped outright.
func adjustForPodman(hc *container.HostConfig) {
	if hc == nil {
		return
	}
	const period int64 = 100000 // 100ms, Docker's own CFS default
	if hc.Resources.NanoCPUs != 0 {
		hc.Resources.CPUPeriod = period
		hc.Resources.CPUQuota = hc.Resources.NanoCPUs * period / 1_000_000_000
		hc.Resources.NanoCPUs = 0
	}
	hc.Resources.MemorySwappiness = nil
}

// resolveNetworkModeContainer rewrites a "container:<id>" NetworkMode to
// "container:<name>" so the reference survives recreation of the referenced
// container (its id changes, its name doesn't), per spec §4.5.
func resolveNetworkModeContainer(hc *container.HostConfig, resolveName func(idOrName string) string) {
	if hc == nil || !hc.NetworkMode.IsContainer() {
		return
	}
	ref := hc.NetworkMode.ConnectedContainer()
	if name := resolveName(ref); name != "" {
		hc.NetworkMode = container.NetworkMode("container:" + name)
	}
}

// buildNetworkConfig implements spec §4.5's network-configuration rule: a
// single custom network with neither a static IP nor meaningful aliases is
// passed inline at creation; anything more complex (multiple networks, a
// static IP, or aliases beyond the ones Docker assigns automatically) is
// deferred to a post-create network.connect step per network.
func buildNetworkConfig(ns *container.NetworkSettings, containerName string) (*network.NetworkingConfig, []deferredConnect) {
	if ns == nil || len(ns.Networks) == 0 {
		return nil, nil
	}

	if len(ns.Networks) == 1 {
		for netName, ep := range ns.Networks {
			if isTrivialEndpoint(ep, containerName) {
				return &network.NetworkingConfig{
					EndpointsConfig: map[string]*network.EndpointSettings{
						netName: {},
					},
				}, nil
			}
		}
	}

	var deferred []deferredConnect
	for _, ep := range ns.Networks {
		deferred = append(deferred, deferredConnect{
			NetworkID: ep.NetworkID,
			Settings: &network.EndpointSettings{
				IPAMConfig: ep.IPAMConfig,
				Aliases:    nonTrivialAliases(ep.Aliases, containerName),
				DriverOpts: ep.DriverOpts,
				MacAddress: ep.MacAddress,
			},
		})
	}
	return nil, deferred
}

// isTrivialEndpoint reports whether ep has no static IP and no aliases
// beyond what Docker assigns automatically (the container's own name/id).
func isTrivialEndpoint(ep *network.EndpointSettings, containerName string) bool {
	if ep == nil {
		return true
	}
	if ep.IPAMConfig != nil && (ep.IPAMConfig.IPv4Address != "" || ep.IPAMConfig.IPv6Address != "") {
		return false
	}
	return len(nonTrivialAliases(ep.Aliases, containerName)) == 0
}

// nonTrivialAliases filters out the aliases Docker assigns automatically
// (the container's name and its short id) leaving only operator-requested
// ones.
func nonTrivialAliases(aliases []string, containerName string) []string {
	var out []string
	for _, a := range aliases {
		if a == containerName || strings.HasPrefix(containerName, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// backupName computes the rename-as-backup name for a container being
// updated (spec §4.5): "{original}-dockmon-backup-{unix_ts}".
func backupName(original string, unixTS int64) string {
	return original + "-dockmon-backup-" + strconv.FormatInt(unixTS, 10)
}

// buildReplacementConfig assembles the Config/HostConfig/NetworkingConfig
// for the replacement container from the old container's live inspect data
// and the new image ref, applying every spec §4.5 extraction rule: user
// labels only, Podman cgroup fixups, container-network-mode resolved by
// name, and network config split into inline-vs-deferred.
func buildReplacementConfig(ctx context.Context, client *dockerapi.Client, old container.InspectResponse, targetImage string, isPodman bool) (*container.Config, *container.HostConfig, *network.NetworkingConfig, []deferredConnect, error) {
	cfg := cloneConfig(old.Config)
	cfg.Image = targetImage

	imageLabels, err := client.ImageLabels(ctx, targetImage)
	if err != nil {
		imageLabels = nil
	}
	cfg.Labels = withMaintenanceLabel(extractUserLabels(old.Config.Labels, imageLabels))

	var hc *container.HostConfig
	if old.HostConfig != nil {
		cloned := *old.HostConfig
		hc = &cloned
	} else {
		hc = &container.HostConfig{}
	}
	if isPodman {
		adjustForPodman(hc)
	}
	resolveNetworkModeContainer(hc, func(idOrName string) string {
		if idOrName == old.ID || idOrName == strings.TrimPrefix(old.Name, "/") {
			return strings.TrimPrefix(old.Name, "/")
		}
		if insp, err := client.InspectContainer(ctx, idOrName); err == nil {
			return strings.TrimPrefix(insp.Name, "/")
		}
		return ""
	})

	containerName := strings.TrimPrefix(old.Name, "/")
	netCfg, deferred := buildNetworkConfig(old.NetworkSettings, containerName)

	return cfg, hc, netCfg, deferred, nil
}
