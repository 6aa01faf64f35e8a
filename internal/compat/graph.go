package compat

import (
	"sort"

	"OpenPlugin-Guard/pkg/manifest"
)

// Graph builds the pluginID -> dependency IDs adjacency list for a set of manifests.
func Graph(manifests ...manifest.Manifest) map[string][]string {
	g := make(map[string][]string, len(manifests))
	for _, m := range manifests {
		deps := make([]string, 0, len(m.Dependencies))
		for id := range m.Dependencies {
			deps = append(deps, id)
		}
		sort.Strings(deps)
		g[m.ID] = deps
	}
	return g
}

// ValidateDependencyGraph reports whether graph is acyclic.
func ValidateDependencyGraph(graph map[string][]string) bool {
	return FindCycle(graph) == nil
}

// FindCycle returns the first cycle found by depth-first search, starting and ending
// at the same node, or nil when the graph is acyclic. Nodes that only appear as
// dependencies are treated as leaves.
func FindCycle(graph map[string][]string) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(graph))
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		state[node] = onStack
		stack = append(stack, node)
		for _, next := range graph[node] {
			switch state[next] {
			case onStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if state[n] == unvisited && visit(n) {
			return cycle
		}
	}
	return nil
}
