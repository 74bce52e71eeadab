package dockerapi

import (
	"context"

	"github.com/moby/moby/client"
)

// NetworkSummary describes one Docker network, used by the stack
// orchestrator (C12) to skip creating externally-declared networks.
type NetworkSummary struct {
	ID     string
	Name   string
	Driver string
}

// VolumeSummary describes one Docker volume, used the same way for
// externally-declared volumes.
type VolumeSummary struct {
	Name   string
	Driver string
}

// ListNetworks returns all networks on the daemon.
func (c *Client) ListNetworks(ctx context.Context) ([]NetworkSummary, error) {
	result, err := c.api.NetworkList(ctx, client.NetworkListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]NetworkSummary, 0, len(result.Items))
	for _, n := range result.Items {
		out = append(out, NetworkSummary{ID: n.ID, Name: n.Name, Driver: n.Driver})
	}
	return out, nil
}

// CreateNetwork creates a network with the given driver, returning its ID.
func (c *Client) CreateNetwork(ctx context.Context, name, driver string) (string, error) {
	resp, err := c.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{Driver: driver})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network by id. Fails if any container is still
// attached, which rollback treats as best-effort and ignores.
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	return c.api.NetworkRemove(ctx, id)
}

// ListVolumes returns all volumes on the daemon.
func (c *Client) ListVolumes(ctx context.Context) ([]VolumeSummary, error) {
	result, err := c.api.VolumeList(ctx, client.VolumeListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]VolumeSummary, 0, len(result.Volumes))
	for _, v := range result.Volumes {
		out = append(out, VolumeSummary{Name: v.Name, Driver: v.Driver})
	}
	return out, nil
}

// CreateVolume creates a volume with the given driver.
func (c *Client) CreateVolume(ctx context.Context, name, driver string) error {
	_, err := c.api.VolumeCreate(ctx, client.VolumeCreateOptions{Name: name, Driver: driver})
	return err
}
