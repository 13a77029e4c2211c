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

package containergraph

import "fmt"

// ContainerStatus is the coarse lifecycle position of an observed container.
type ContainerStatus string

const (
	StatusPending ContainerStatus = "PENDING"
	StatusRunning ContainerStatus = "RUNNING"
	StatusStopped ContainerStatus = "STOPPED"
)

// HealthStatus is the observed health-probe verdict of a container.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "UNKNOWN"
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// ContainerState is one container's observed state, as reported by the
// container runtime.
type ContainerState struct {
	Status   ContainerStatus
	ExitCode *int
	Health   HealthStatus
}

// DependencyViolation reports an essential-path container whose start
// condition can never be satisfied. It is surfaced as a provisioning-phase
// failure for the whole task.
type DependencyViolation struct {
	Container string
	DependsOn string
	Condition Condition
}

func (v *DependencyViolation) Error() string {
	return fmt.Sprintf("containergraph: container %q waits on %q with condition %s which can no longer be satisfied",
		v.Container, v.DependsOn, v.Condition)
}

// Unsatisfiable inspects observed container states and returns the first
// essential-path container (in start order) with a dependency condition that
// can no longer hold, or nil. Failures of containers off the essential path
// are ignored.
func (g *Graph) Unsatisfiable(states map[string]ContainerState) *DependencyViolation {
	essential := map[string]bool{}
	for _, name := range g.EssentialClosure() {
		essential[name] = true
	}
	for _, node := range g.Nodes {
		if !essential[node.Name] {
			continue
		}
		for _, edge := range g.deps[node.Name] {
			state, ok := states[edge.DependsOn]
			if !ok {
				continue
			}
			if conditionDead(edge.Condition, state) {
				return &DependencyViolation{
					Container: edge.Container,
					DependsOn: edge.DependsOn,
					Condition: edge.Condition,
				}
			}
		}
	}
	return nil
}

// conditionDead reports whether the observed state of a dependency rules the
// condition out permanently.
func conditionDead(cond Condition, state ContainerState) bool {
	switch cond {
	case ConditionSuccess:
		return state.Status == StatusStopped && (state.ExitCode == nil || *state.ExitCode != 0)
	case ConditionHealthy:
		if state.Status == StatusStopped {
			return true
		}
		return state.Health == HealthUnhealthy
	case ConditionStart, ConditionComplete:
		// A container that reached STOPPED necessarily started, and COMPLETE
		// accepts any exit. Neither can become unsatisfiable on its own.
		return false
	}
	return false
}
