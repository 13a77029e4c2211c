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

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appNode() Node {
	return Node{
		Name:      "app",
		Image:     "example.com/web:1",
		Essential: true,
		HealthCheck: &HealthCheckSpec{
			Command:  []string{"CMD-SHELL", "curl -f http://localhost:8080/healthz"},
			Interval: 5 * time.Second,
			Timeout:  2 * time.Second,
			Retries:  3,
		},
	}
}

func TestBuildSimpleChain(t *testing.T) {
	nodes := []Node{
		appNode(),
		{Name: "init", Image: "example.com/init:1"},
		{Name: "log-router", Image: "example.com/fluent-bit:1", Essential: true},
	}
	edges := []Edge{
		{Container: "app", DependsOn: "init", Condition: ConditionSuccess},
	}

	g, err := Build(nodes, edges)
	require.NoError(t, err)

	order := g.StartOrder()
	assert.Len(t, order, 3)
	assert.Less(t, indexOf(t, order, "init"), indexOf(t, order, "app"))
}

func TestBuildRejectsCycle(t *testing.T) {
	nodes := []Node{
		{Name: "a", Image: "img"},
		{Name: "b", Image: "img"},
		{Name: "c", Image: "img"},
	}
	edges := []Edge{
		{Container: "a", DependsOn: "b", Condition: ConditionStart},
		{Container: "b", DependsOn: "c", Condition: ConditionStart},
		{Container: "c", DependsOn: "a", Condition: ConditionStart},
	}

	_, err := Build(nodes, edges)
	require.Error(t, err)
	assert.True(t, IsCycle(err))

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "c"}, ce.Members)
}

func TestBuildRejectsSelfDependency(t *testing.T) {
	nodes := []Node{{Name: "a", Image: "img"}}
	edges := []Edge{{Container: "a", DependsOn: "a", Condition: ConditionStart}}

	_, err := Build(nodes, edges)
	assert.Error(t, err)
}

func TestBuildRejectsUnknownEndpoints(t *testing.T) {
	nodes := []Node{{Name: "a", Image: "img"}}

	_, err := Build(nodes, []Edge{{Container: "a", DependsOn: "ghost", Condition: ConditionStart}})
	assert.Error(t, err)

	_, err = Build(nodes, []Edge{{Container: "ghost", DependsOn: "a", Condition: ConditionStart}})
	assert.Error(t, err)
}

func TestBuildRejectsDuplicateNames(t *testing.T) {
	nodes := []Node{{Name: "a", Image: "img"}, {Name: "a", Image: "img2"}}
	_, err := Build(nodes, nil)
	assert.Error(t, err)
}

func TestBuildRejectsInvalidCondition(t *testing.T) {
	nodes := []Node{{Name: "a", Image: "img"}, {Name: "b", Image: "img"}}
	_, err := Build(nodes, []Edge{{Container: "a", DependsOn: "b", Condition: Condition("WHENEVER")}})
	assert.Error(t, err)
}

func TestBuildRejectsHealthyConditionWithoutHealthCheck(t *testing.T) {
	nodes := []Node{
		{Name: "app", Image: "img", Essential: true},
		{Name: "db-proxy", Image: "img"},
	}
	_, err := Build(nodes, []Edge{{Container: "app", DependsOn: "db-proxy", Condition: ConditionHealthy}})
	assert.Error(t, err)
}

func TestBuildDeterministic(t *testing.T) {
	nodes := []Node{
		appNode(),
		{Name: "log-router", Image: "img", Essential: true},
		{Name: "otel-collector", Image: "img"},
		{Name: "init", Image: "img"},
	}
	edges := []Edge{
		{Container: "otel-collector", DependsOn: "log-router", Condition: ConditionStart},
		{Container: "app", DependsOn: "init", Condition: ConditionSuccess},
	}

	g1, err := Build(nodes, edges)
	require.NoError(t, err)

	// Shuffled input ordering must not change the result.
	shuffledNodes := []Node{nodes[3], nodes[1], nodes[0], nodes[2]}
	shuffledEdges := []Edge{edges[1], edges[0]}
	g2, err := Build(shuffledNodes, shuffledEdges)
	require.NoError(t, err)

	if diff := cmp.Diff(g1, g2, cmpopts.IgnoreUnexported(Graph{})); diff != "" {
		t.Errorf("graphs differ (-g1 +g2):\n%s", diff)
	}
}

func TestEssentialClosure(t *testing.T) {
	nodes := []Node{
		appNode(),
		{Name: "init", Image: "img"},
		{Name: "otel-collector", Image: "img"},
		{Name: "log-router", Image: "img", Essential: true},
	}
	edges := []Edge{
		{Container: "app", DependsOn: "init", Condition: ConditionSuccess},
		{Container: "otel-collector", DependsOn: "log-router", Condition: ConditionStart},
	}
	g, err := Build(nodes, edges)
	require.NoError(t, err)

	assert.Equal(t, []string{"app", "init", "log-router"}, g.EssentialClosure())
	assert.True(t, g.OnEssentialPath("init"))
	assert.False(t, g.OnEssentialPath("otel-collector"))
}

func TestUnsatisfiableSuccessCondition(t *testing.T) {
	nodes := []Node{
		appNode(),
		{Name: "init", Image: "img"},
	}
	edges := []Edge{{Container: "app", DependsOn: "init", Condition: ConditionSuccess}}
	g, err := Build(nodes, edges)
	require.NoError(t, err)

	exit := 1
	violation := g.Unsatisfiable(map[string]ContainerState{
		"init": {Status: StatusStopped, ExitCode: &exit},
	})
	require.NotNil(t, violation)
	assert.Equal(t, "app", violation.Container)
	assert.Equal(t, "init", violation.DependsOn)
	assert.Equal(t, ConditionSuccess, violation.Condition)

	// A clean exit satisfies SUCCESS.
	zero := 0
	assert.Nil(t, g.Unsatisfiable(map[string]ContainerState{
		"init": {Status: StatusStopped, ExitCode: &zero},
	}))
}

func TestUnsatisfiableHealthyCondition(t *testing.T) {
	dep := Node{Name: "proxy", Image: "img", HealthCheck: &HealthCheckSpec{Command: []string{"CMD", "true"}}}
	nodes := []Node{appNode(), dep}
	edges := []Edge{{Container: "app", DependsOn: "proxy", Condition: ConditionHealthy}}
	g, err := Build(nodes, edges)
	require.NoError(t, err)

	violation := g.Unsatisfiable(map[string]ContainerState{
		"proxy": {Status: StatusStopped},
	})
	require.NotNil(t, violation)
	assert.Equal(t, ConditionHealthy, violation.Condition)

	violation = g.Unsatisfiable(map[string]ContainerState{
		"proxy": {Status: StatusRunning, Health: HealthUnhealthy},
	})
	assert.NotNil(t, violation)

	assert.Nil(t, g.Unsatisfiable(map[string]ContainerState{
		"proxy": {Status: StatusRunning, Health: HealthHealthy},
	}))
}

func TestUnsatisfiableIgnoresNonEssentialPath(t *testing.T) {
	nodes := []Node{
		appNode(),
		{Name: "otel-collector", Image: "img"},
		{Name: "log-router", Image: "img"},
	}
	edges := []Edge{
		{Container: "otel-collector", DependsOn: "log-router", Condition: ConditionSuccess},
	}
	g, err := Build(nodes, edges)
	require.NoError(t, err)

	// log-router failing only strands the collector, which is off the
	// essential path.
	exit := 137
	assert.Nil(t, g.Unsatisfiable(map[string]ContainerState{
		"log-router": {Status: StatusStopped, ExitCode: &exit},
	}))
}

func indexOf(t *testing.T, order []string, name string) int {
	t.Helper()
	for i, n := range order {
		if n == name {
			return i
		}
	}
	t.Fatalf("container %s not in order %v", name, order)
	return -1
}
