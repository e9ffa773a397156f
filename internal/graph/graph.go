// Package graph validates the service dependency graph and produces the
// order in which services may be started. Services with no unmet dependencies
// are grouped into batches; every batch only depends on earlier batches, so
// members of one batch can be started concurrently.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle. Path holds the participating
// services in walk order; the first name is repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// UnknownDependencyError reports an edge to a service that is not part of
// the enabled set.
type UnknownDependencyError struct {
	Service    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %q depends on unknown service %q", e.Service, e.Dependency)
}

// Graph is a validated, acyclic dependency graph over service names.
type Graph struct {
	deps       map[string][]string // service -> direct dependencies
	dependents map[string][]string // service -> direct dependents
	batches    [][]string
}

// Build validates the given service -> dependencies mapping and computes
// start batches. It fails with UnknownDependencyError if an edge points
// outside the set and with CycleError if the graph is not acyclic. No
// service is ever dropped: every key appears in exactly one batch.
func Build(deps map[string][]string) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(deps)),
		dependents: make(map[string][]string, len(deps)),
	}
	names := make([]string, 0, len(deps))
	for name, dd := range deps {
		names = append(names, name)
		g.deps[name] = append([]string(nil), dd...)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range g.deps[name] {
			if _, ok := g.deps[dep]; !ok {
				return nil, &UnknownDependencyError{Service: name, Dependency: dep}
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if err := g.detectCycles(names); err != nil {
		return nil, err
	}

	g.batches = g.buildBatches(names)
	return g, nil
}

// detectCycles walks the graph depth-first and reports the first cycle found,
// naming its participants.
func (g *Graph) detectCycles(names []string) error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	path := make([]string, 0, len(names))

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, dep := range g.deps[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		onStack[node] = false
		return nil
	}

	for _, name := range names {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildBatches repeatedly collects the services whose dependencies are all
// placed in earlier batches. The graph is known acyclic here, so the loop
// always terminates with every service placed.
func (g *Graph) buildBatches(names []string) [][]string {
	placed := make(map[string]bool, len(names))
	var batches [][]string
	remaining := len(names)

	for remaining > 0 {
		var ready []string
		for _, name := range names {
			if placed[name] {
				continue
			}
			ok := true
			for _, dep := range g.deps[name] {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, name)
			}
		}
		for _, name := range ready {
			placed[name] = true
		}
		remaining -= len(ready)
		batches = append(batches, ready)
	}
	return batches
}

// Batches returns the start order: each inner slice only depends on services
// in earlier slices. Slices are sorted by name for determinism.
func (g *Graph) Batches() [][]string {
	out := make([][]string, len(g.batches))
	for i, b := range g.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// ReverseBatches returns the stop order: dependents strictly before their
// dependencies.
func (g *Graph) ReverseBatches() [][]string {
	out := make([][]string, len(g.batches))
	for i, b := range g.batches {
		out[len(g.batches)-1-i] = append([]string(nil), b...)
	}
	return out
}

// Order returns all services flattened in start order.
func (g *Graph) Order() []string {
	var out []string
	for _, b := range g.batches {
		out = append(out, b...)
	}
	return out
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// TransitiveDependents returns every service that directly or indirectly
// depends on name, sorted by name.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
