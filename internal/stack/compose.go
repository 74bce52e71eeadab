// Package stack implements the Stack Orchestrator (C12): parsing a
// Compose-style document, validating its service dependency graph,
// planning a waved deployment and its rollback, and computing weighted
// deploy progress.
//
// Parsing follows the teacher's struct-tagged yaml.v3 style
// (cuemby-warren's cmd/warren/apply.go WarrenResource), and dependency-wave
// computation reuses internal/deps.Graph — the same Kahn's-algorithm
// topological sort the teacher built for container-label dependencies
// (internal/deps/graph.go), generalized here from container names to
// Compose service names.
package stack

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Document is a parsed Compose project: services, networks, and volumes.
type Document struct {
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks"`
	Volumes  map[string]Volume  `yaml:"volumes"`
}

// Service is one Compose service definition. Fields beyond DependsOn are
// passed through to the docker/agent executor largely opaque to C12 itself,
// which only cares about dependency shape and profile membership.
type Service struct {
	Image       string            `yaml:"image"`
	DependsOn   DependsOn         `yaml:"depends_on"`
	Networks    []string          `yaml:"networks"`
	Volumes     []string          `yaml:"volumes"`
	Environment map[string]string `yaml:"environment"`
	Ports       []string          `yaml:"ports"`
	Labels      map[string]string `yaml:"labels"`
	Profiles    []string          `yaml:"profiles"`
}

// Network is a Compose network declaration.
type Network struct {
	External bool   `yaml:"external"`
	Driver   string `yaml:"driver"`
}

// Volume is a Compose volume declaration.
type Volume struct {
	External bool   `yaml:"external"`
	Driver   string `yaml:"driver"`
}

// DependsOn normalizes both Compose forms of depends_on — a plain list of
// service names, and the long mapping form with per-dependency conditions
// (`{svc: {condition: service_healthy}}`) — into a flat, ordered service
// name list. The condition itself is not modeled; C12 only needs the
// dependency edge for wave computation.
type DependsOn []string

// UnmarshalYAML accepts either a sequence of scalars or a mapping of
// service name to condition object.
func (d *DependsOn) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("decode depends_on list: %w", err)
		}
		*d = list
		return nil
	case yaml.MappingNode:
		names := make([]string, 0, len(value.Content)/2)
		for i := 0; i < len(value.Content); i += 2 {
			names = append(names, value.Content[i].Value)
		}
		sort.Strings(names)
		*d = names
		return nil
	case yaml.ScalarNode:
		// Explicit "depends_on: null" or similarly empty scalar.
		*d = nil
		return nil
	default:
		return fmt.Errorf("depends_on: unsupported yaml node kind %v", value.Kind)
	}
}

// Parse decodes a Compose document from raw YAML bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose document: %w", err)
	}
	if doc.Services == nil {
		doc.Services = make(map[string]Service)
	}
	if doc.Networks == nil {
		doc.Networks = make(map[string]Network)
	}
	if doc.Volumes == nil {
		doc.Volumes = make(map[string]Volume)
	}
	return &doc, nil
}

// serviceNames returns every service name in alphabetical order.
func (doc *Document) serviceNames() []string {
	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
