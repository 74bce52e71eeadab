package stack

import (
	"reflect"
	"testing"
)

func TestPlan_WavesAreTopologicalAndAlphabetical(t *testing.T) {
	doc := &Document{
		Services: map[string]Service{
			"db":     {Image: "postgres"},
			"cache":  {Image: "redis"},
			"app":    {Image: "myapp", DependsOn: DependsOn{"db", "cache"}},
			"worker": {Image: "myapp", DependsOn: DependsOn{"db", "cache"}},
			"proxy":  {Image: "nginx", DependsOn: DependsOn{"app", "worker"}},
		},
	}

	plan, err := Plan(doc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	want := [][]string{
		{"cache", "db"},
		{"app", "worker"},
		{"proxy"},
	}
	if !reflect.DeepEqual(plan.Waves, want) {
		t.Errorf("Waves = %v, want %v", plan.Waves, want)
	}
}

func TestPlan_SkipsExternalNetworksAndVolumes(t *testing.T) {
	doc := &Document{
		Services: map[string]Service{"app": {Image: "myapp"}},
		Networks: map[string]Network{
			"front": {Driver: "bridge"},
			"edge":  {External: true},
		},
		Volumes: map[string]Volume{
			"data":   {Driver: "local"},
			"shared": {External: true},
		},
	}

	plan, err := Plan(doc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var networks, volumes []string
	for _, op := range plan.Operations {
		switch op.Kind {
		case OpCreateNetwork:
			networks = append(networks, op.Name)
		case OpCreateVolume:
			volumes = append(volumes, op.Name)
		}
	}
	if !reflect.DeepEqual(networks, []string{"front"}) {
		t.Errorf("create-network ops = %v, want [front]", networks)
	}
	if !reflect.DeepEqual(volumes, []string{"data"}) {
		t.Errorf("create-volume ops = %v, want [data]", volumes)
	}
}

func TestPlan_OperationOrderIsNetworkThenVolumeThenService(t *testing.T) {
	doc := &Document{
		Services: map[string]Service{"app": {Image: "myapp"}},
		Networks: map[string]Network{"front": {Driver: "bridge"}},
		Volumes:  map[string]Volume{"data": {Driver: "local"}},
	}
	plan, err := Plan(doc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Operations) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(plan.Operations))
	}
	if plan.Operations[0].Kind != OpCreateNetwork {
		t.Errorf("operation 0 kind = %v, want create-network", plan.Operations[0].Kind)
	}
	if plan.Operations[1].Kind != OpCreateVolume {
		t.Errorf("operation 1 kind = %v, want create-volume", plan.Operations[1].Kind)
	}
	if plan.Operations[2].Kind != OpCreateService {
		t.Errorf("operation 2 kind = %v, want create-service", plan.Operations[2].Kind)
	}
}

func TestPlan_RejectsInvalidDocument(t *testing.T) {
	doc := &Document{Services: map[string]Service{
		"app": {Image: "a", DependsOn: DependsOn{"app"}},
	}}
	if _, err := Plan(doc); err == nil {
		t.Fatal("expected Plan to reject an invalid document")
	}
}

func TestRollbackPlan_ReversesServiceCreationThenRemovesNetworks(t *testing.T) {
	doc := &Document{
		Services: map[string]Service{
			"db":  {Image: "postgres"},
			"app": {Image: "myapp", DependsOn: DependsOn{"db"}},
		},
		Networks: map[string]Network{
			"front": {Driver: "bridge"},
			"edge":  {External: true},
		},
	}
	plan, err := Plan(doc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	rollback := RollbackPlan(plan)

	var kinds []OperationKind
	var names []string
	for _, op := range rollback {
		kinds = append(kinds, op.Kind)
		names = append(names, op.Name)
	}

	wantNames := []string{"app", "db", "front"}
	if !reflect.DeepEqual(names, wantNames) {
		t.Errorf("rollback order = %v, want %v", names, wantNames)
	}
	if kinds[0] != OpRemoveService || kinds[1] != OpRemoveService {
		t.Errorf("expected first two ops to remove services, got %v", kinds[:2])
	}
	if kinds[2] != OpRemoveNetwork {
		t.Errorf("expected last op to remove the network, got %v", kinds[2])
	}
}
