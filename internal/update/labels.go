package update

// MaintenanceLabel marks a replacement container as mid-recreation for the
// duration of its health gate (spec §4.5), so external tooling watching
// container labels (the same interop convention the teacher's
// internal/guardian package served for a companion tool) can tell a
// container is under DockMon's control rather than crash-looping on its
// own.
const MaintenanceLabel = "dockmon.maintenance"

// withMaintenanceLabel returns labels with MaintenanceLabel set, cloning so
// the caller's map isn't mutated.
func withMaintenanceLabel(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[MaintenanceLabel] = "true"
	return out
}
