package stack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/darthnorse/dockmon/internal/deps"
)

// ValidationError reports a rejected Compose document, naming the specific
// services involved so the caller can surface an actionable message
// (spec.md §8 scenario 6 requires the offending services be named, not just
// "a cycle exists").
type ValidationError struct {
	Reason   string
	Services []string
}

func (e *ValidationError) Error() string {
	if len(e.Services) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Services, ", "))
}

// Validate checks a Document against C12's three rejection rules: self
// dependency, dependency cycles, and dependencies on services the document
// doesn't define.
func Validate(doc *Document) error {
	for name, svc := range doc.Services {
		for _, dep := range svc.DependsOn {
			if dep == name {
				return &ValidationError{Reason: "service depends on itself", Services: []string{name}}
			}
		}
	}

	for name, svc := range doc.Services {
		for _, dep := range svc.DependsOn {
			if _, ok := doc.Services[dep]; !ok {
				return &ValidationError{
					Reason:   fmt.Sprintf("service %q depends on undefined service", name),
					Services: []string{dep},
				}
			}
		}
	}

	g := buildGraph(doc)
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		involved := cycles[0]
		sort.Strings(involved)
		return &ValidationError{Reason: "dependency cycle detected", Services: involved}
	}

	return nil
}

// buildGraph adapts a Document's services into deps.ContainerInfo so wave
// computation and cycle detection reuse internal/deps.Graph verbatim —
// service dependencies are encoded the same way discovery-derived container
// dependencies are (the sentinel.depends-on label convention), just without
// going through an actual label map on a running container.
func buildGraph(doc *Document) *deps.Graph {
	infos := make([]deps.ContainerInfo, 0, len(doc.Services))
	for name, svc := range doc.Services {
		infos = append(infos, deps.ContainerInfo{
			Name:   name,
			Labels: map[string]string{"sentinel.depends-on": strings.Join(svc.DependsOn, ",")},
		})
	}
	return deps.Build(infos)
}
