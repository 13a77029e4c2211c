// Copyright Shipswitch Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package containergraph validates and orders the container set of a single
// revision. A revision's containers and their startup dependencies must form
// a DAG; the graph computes a deterministic start order and, given observed
// container states, detects dependency conditions that can no longer be
// satisfied.
package containergraph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Condition gates when a container may start relative to one of its
// dependencies.
type Condition string

const (
	// ConditionStart releases the dependent once the dependency's process
	// has begun, not necessarily ready.
	ConditionStart Condition = "START"
	// ConditionSuccess releases the dependent only if the dependency exits
	// with a zero code.
	ConditionSuccess Condition = "SUCCESS"
	// ConditionHealthy releases the dependent once the dependency's own
	// health check passes.
	ConditionHealthy Condition = "HEALTHY"
	// ConditionComplete releases the dependent after the dependency exits,
	// regardless of code.
	ConditionComplete Condition = "COMPLETE"
)

// Valid reports whether the condition is one of the four supported gates.
func (c Condition) Valid() bool {
	switch c {
	case ConditionStart, ConditionSuccess, ConditionHealthy, ConditionComplete:
		return true
	}
	return false
}

// KeyValue is a plain environment variable entry.
type KeyValue struct {
	Name  string
	Value string
}

// SecretRef names an environment variable sourced from a secret store; the
// value is never seen by the orchestrator.
type SecretRef struct {
	Name      string
	ValueFrom string
}

// MountPoint attaches a named volume into a container.
type MountPoint struct {
	SourceVolume  string
	ContainerPath string
	ReadOnly      bool
}

// HealthCheckSpec mirrors a container health probe contract.
type HealthCheckSpec struct {
	Command     []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// Node is one container in a revision.
type Node struct {
	Name        string
	Image       string
	Essential   bool
	Command     []string
	PortMapping int32
	Environment []KeyValue
	Secrets     []SecretRef
	MountPoints []MountPoint
	HealthCheck *HealthCheckSpec
}

// Edge declares that Container must wait on DependsOn until Condition holds.
type Edge struct {
	Container string
	DependsOn string
	Condition Condition
}

// CycleError is returned by Build when the dependency edges do not form a DAG.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("containergraph: cycle detected among containers [%s]", strings.Join(e.Members, ", "))
}

// IsCycle reports whether err is a cycle rejection.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// Graph is the validated, ordered container set of one revision. It is built
// once per revision and immutable thereafter.
type Graph struct {
	// Nodes in deterministic topological start order.
	Nodes []Node
	// Edges sorted by (Container, DependsOn).
	Edges []Edge

	index map[string]int
	deps  map[string][]Edge
}

// Build validates the node and edge sets and returns the ordered graph.
// Duplicate names, unknown edge endpoints, invalid conditions, HEALTHY edges
// to containers without a health check, and cycles are all rejected.
func Build(nodes []Node, edges []Edge) (*Graph, error) {
	byName := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		if node.Name == "" {
			return nil, errors.New("containergraph: container with empty name")
		}
		if _, ok := byName[node.Name]; ok {
			return nil, errors.Errorf("containergraph: duplicate container name %q", node.Name)
		}
		byName[node.Name] = node
	}

	deps := map[string][]Edge{}
	for _, edge := range edges {
		if !edge.Condition.Valid() {
			return nil, errors.Errorf("containergraph: invalid condition %q on edge %s -> %s", edge.Condition, edge.Container, edge.DependsOn)
		}
		if edge.Container == edge.DependsOn {
			return nil, errors.Errorf("containergraph: container %q depends on itself", edge.Container)
		}
		if _, ok := byName[edge.Container]; !ok {
			return nil, errors.Errorf("containergraph: edge references unknown container %q", edge.Container)
		}
		dep, ok := byName[edge.DependsOn]
		if !ok {
			return nil, errors.Errorf("containergraph: edge references unknown dependency %q", edge.DependsOn)
		}
		if edge.Condition == ConditionHealthy && dep.HealthCheck == nil {
			return nil, errors.Errorf("containergraph: HEALTHY condition on %q requires a health check", edge.DependsOn)
		}
		deps[edge.Container] = append(deps[edge.Container], edge)
	}

	order, err := topoOrder(byName, deps)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		Nodes: lo.Map(order, func(name string, _ int) Node { return byName[name] }),
		Edges: append([]Edge(nil), edges...),
		index: map[string]int{},
		deps:  deps,
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].Container != g.Edges[j].Container {
			return g.Edges[i].Container < g.Edges[j].Container
		}
		return g.Edges[i].DependsOn < g.Edges[j].DependsOn
	})
	for i, node := range g.Nodes {
		g.index[node.Name] = i
	}
	return g, nil
}

// topoOrder is Kahn's algorithm with lexical tie-breaking so that identical
// inputs always produce identical orders.
func topoOrder(byName map[string]Node, deps map[string][]Edge) ([]string, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for name := range byName {
		indegree[name] = len(deps[name])
	}
	for container, containerDeps := range deps {
		for _, edge := range containerDeps {
			dependents[edge.DependsOn] = append(dependents[edge.DependsOn], container)
		}
	}

	var ready []string
	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		released := false
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(byName) {
		var members []string
		for name, degree := range indegree {
			if degree > 0 {
				members = append(members, name)
			}
		}
		sort.Strings(members)
		return nil, &CycleError{Members: members}
	}
	return order, nil
}

// StartOrder returns container names in the order they become eligible to
// start.
func (g *Graph) StartOrder() []string {
	return lo.Map(g.Nodes, func(n Node, _ int) string { return n.Name })
}

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// Dependencies returns the wait set of the named container.
func (g *Graph) Dependencies(name string) []Edge {
	return g.deps[name]
}

// EssentialClosure returns the names of all containers whose failure fails
// the task: essential containers plus everything an essential container
// transitively waits on.
func (g *Graph) EssentialClosure() []string {
	onPath := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		if onPath[name] {
			return
		}
		onPath[name] = true
		for _, edge := range g.deps[name] {
			visit(edge.DependsOn)
		}
	}
	for _, node := range g.Nodes {
		if node.Essential {
			visit(node.Name)
		}
	}
	names := lo.Keys(onPath)
	sort.Strings(names)
	return names
}

// OnEssentialPath reports whether the named container's failure fails the
// task.
func (g *Graph) OnEssentialPath(name string) bool {
	return lo.Contains(g.EssentialClosure(), name)
}
