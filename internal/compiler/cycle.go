package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// CycleWarning reports policies that can trigger each other.
//
// Cycles are warnings, not errors: a policy may re-trigger itself until a
// condition stops it, and the engine's cascade guard bounds every chain at
// runtime.
type CycleWarning struct {
	Path    []string `json:"path"` // ["a", "b", "a"]
	Message string   `json:"message"`
	Level   string   `json:"level"`
}

// AnalyzeCycles finds policy feedback loops.
//
// A policy depends on another when it triggers a command whose handler
// records an event the other policy reacts to. The strongly connected
// components of that graph with more than one node, or with a self-loop, are
// reported. A DAG yields no warnings.
func AnalyzeCycles(p *Program) []CycleWarning {
	if len(p.Policies) == 0 {
		return nil
	}
	graph := buildDependencyGraph(p)

	var warnings []CycleWarning
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	sort.Slice(warnings, func(i, j int) bool {
		return strings.Join(warnings[i].Path, ",") < strings.Join(warnings[j].Path, ",")
	})
	return warnings
}

// dependencyGraph maps a policy to the policies it can trigger.
type dependencyGraph map[string][]string

func buildDependencyGraph(p *Program) dependencyGraph {
	emits := map[string][]string{} // command -> recorded events
	for _, a := range p.Aggregates {
		for _, c := range a.Commands {
			emits[c.Name] = collectRefs(c.Handler).events
		}
	}
	listeners := map[string][]string{} // event -> policies
	for _, pol := range p.Policies {
		for _, ev := range pol.On {
			listeners[ev] = append(listeners[ev], pol.Name)
		}
	}

	graph := make(dependencyGraph)
	for _, pol := range p.Policies {
		seen := map[string]bool{}
		graph[pol.Name] = []string{}
		for _, cmd := range collectRefs(pol.Rules).commands {
			for _, ev := range emits[cmd] {
				for _, next := range listeners[ev] {
					if !seen[next] {
						seen[next] = true
						graph[pol.Name] = append(graph[pol.Name], next)
					}
				}
			}
		}
		sort.Strings(graph[pol.Name])
	}
	return graph
}

func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the output is stable.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		return CycleWarning{
			Path:    []string{scc[0], scc[0]},
			Message: fmt.Sprintf("policy %s triggers itself", scc[0]),
			Level:   "warning",
		}
	}
	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("policies form a cycle: %s", strings.Join(path, " -> ")),
		Level:   "warning",
	}
}

// reconstructCyclePath walks SCC members from the first node until it
// returns to it.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true
		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
