package main

import (
	"github.com/darthnorse/dockmon/internal/hooks"
	"github.com/darthnorse/dockmon/internal/store"
)

// hookStoreAdapter bridges store.HookEntry and hooks.Hook: the same shape,
// defined separately so internal/hooks doesn't import internal/store.
type hookStoreAdapter struct{ st *store.Store }

func (a hookStoreAdapter) ListHooks(containerName string) ([]hooks.Hook, error) {
	entries, err := a.st.ListHooks(containerName)
	if err != nil {
		return nil, err
	}
	out := make([]hooks.Hook, len(entries))
	for i, e := range entries {
		out[i] = hooks.Hook{
			ContainerName: e.ContainerName,
			Phase:         e.Phase,
			Command:       e.Command,
			Timeout:       e.Timeout,
		}
	}
	return out, nil
}

func (a hookStoreAdapter) SaveHook(h hooks.Hook) error {
	return a.st.SaveHook(store.HookEntry{
		ContainerName: h.ContainerName,
		Phase:         h.Phase,
		Command:       h.Command,
		Timeout:       h.Timeout,
	})
}

func (a hookStoreAdapter) DeleteHook(containerName, phase string) error {
	return a.st.DeleteHook(containerName, phase)
}
