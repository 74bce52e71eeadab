package stack

import (
	"fmt"
	"sort"
)

// OperationKind identifies one step of a deploy or rollback plan.
type OperationKind string

const (
	OpCreateNetwork OperationKind = "create-network"
	OpCreateVolume  OperationKind = "create-volume"
	OpCreateService OperationKind = "create-service"
	OpRemoveService OperationKind = "remove-service"
	OpRemoveNetwork OperationKind = "remove-network"
)

// Operation is one emitted plan step. Wave is only meaningful for
// create-service/remove-service; Driver only for create-network/volume.
type Operation struct {
	Kind   OperationKind
	Name   string
	Wave   int
	Driver string
}

// DeployPlan is the ordered operation list plus the wave membership it was
// derived from (persisted alongside the deployment, spec §6's
// deployment_metadata.waves column).
type DeployPlan struct {
	Waves      [][]string
	Operations []Operation
}

// Plan validates doc and computes its deployment plan: external
// network/volume creation is skipped, the service DAG is split into
// topological waves (alphabetical within a wave), and operations are
// emitted create-network, create-volume, create-service (grouped by wave).
func Plan(doc *Document) (*DeployPlan, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}

	waves, err := computeWaves(doc)
	if err != nil {
		return nil, err
	}

	var ops []Operation

	netNames := make([]string, 0, len(doc.Networks))
	for name := range doc.Networks {
		netNames = append(netNames, name)
	}
	sort.Strings(netNames)
	for _, name := range netNames {
		n := doc.Networks[name]
		if n.External {
			continue
		}
		ops = append(ops, Operation{Kind: OpCreateNetwork, Name: name, Driver: n.Driver})
	}

	volNames := make([]string, 0, len(doc.Volumes))
	for name := range doc.Volumes {
		volNames = append(volNames, name)
	}
	sort.Strings(volNames)
	for _, name := range volNames {
		v := doc.Volumes[name]
		if v.External {
			continue
		}
		ops = append(ops, Operation{Kind: OpCreateVolume, Name: name, Driver: v.Driver})
	}

	for waveIdx, names := range waves {
		for _, name := range names {
			ops = append(ops, Operation{Kind: OpCreateService, Name: name, Wave: waveIdx})
		}
	}

	return &DeployPlan{Waves: waves, Operations: ops}, nil
}

// computeWaves assigns each service a wave number: wave 0 has no
// dependencies, wave k's services depend only on services in waves < k.
// doc must already be cycle-free (callers run Validate first); the error
// return here is a defensive fallback, not the primary cycle-reporting
// path — Validate's ValidationError names the offending services.
func computeWaves(doc *Document) ([][]string, error) {
	g := buildGraph(doc)
	names := doc.serviceNames()

	wave := make(map[string]int, len(names))
	remaining := len(names)

	for remaining > 0 {
		progressed := false
		for _, name := range names {
			if _, done := wave[name]; done {
				continue
			}
			maxDepWave := -1
			ready := true
			for _, dep := range g.Dependencies(name) {
				w, ok := wave[dep]
				if !ok {
					ready = false
					break
				}
				if w > maxDepWave {
					maxDepWave = w
				}
			}
			if ready {
				wave[name] = maxDepWave + 1
				remaining--
				progressed = true
			}
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle prevents wave computation")
		}
	}

	maxWave := -1
	for _, w := range wave {
		if w > maxWave {
			maxWave = w
		}
	}
	waves := make([][]string, maxWave+1)
	for _, name := range names {
		w := wave[name]
		waves[w] = append(waves[w], name)
	}
	for _, w := range waves {
		sort.Strings(w)
	}
	return waves, nil
}

// RollbackPlan inverts a deploy plan: services are removed in reverse of
// creation order, then created networks are removed (skipping external —
// those were never created). Volumes are never removed automatically; they
// may hold data a failed deploy shouldn't discard.
func RollbackPlan(plan *DeployPlan) []Operation {
	var services, networks []Operation
	for _, op := range plan.Operations {
		switch op.Kind {
		case OpCreateService:
			services = append(services, op)
		case OpCreateNetwork:
			networks = append(networks, op)
		}
	}

	var ops []Operation
	for i := len(services) - 1; i >= 0; i-- {
		ops = append(ops, Operation{Kind: OpRemoveService, Name: services[i].Name, Wave: services[i].Wave})
	}
	for i := len(networks) - 1; i >= 0; i-- {
		ops = append(ops, Operation{Kind: OpRemoveNetwork, Name: networks[i].Name})
	}
	return ops
}
