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

// Package sidecar derives the telemetry container set of a revision from an
// explicit feature-flag struct. Materialization is a pure function: identical
// flags always yield an identical graph diff and identical injected
// configuration keys.
package sidecar

import (
	"github.com/shipswitch/shipswitch/pkg/containergraph"
)

// Flags enables optional telemetry containers for a revision.
type Flags struct {
	EnableLogShipping       bool `yaml:"enableLogShipping" json:"enableLogShipping"`
	EnableMetricsCollection bool `yaml:"enableMetricsCollection" json:"enableMetricsCollection"`
	EnableTracing           bool `yaml:"enableTracing" json:"enableTracing"`
}

// Set is the tagged variant the flag combination collapses to. Metrics and
// tracing both imply log shipping: the collector routes its own telemetry
// through the log router.
type Set int

const (
	SetNone Set = iota
	SetLogOnly
	SetLogAndMetrics
	SetLogAndTracing
	SetFull
)

func (s Set) String() string {
	switch s {
	case SetLogOnly:
		return "log-only"
	case SetLogAndMetrics:
		return "log-and-metrics"
	case SetLogAndTracing:
		return "log-and-tracing"
	case SetFull:
		return "full"
	}
	return "none"
}

// Variant normalizes the flag combination to its Set.
func (f Flags) Variant() Set {
	switch {
	case f.EnableMetricsCollection && f.EnableTracing:
		return SetFull
	case f.EnableTracing:
		return SetLogAndTracing
	case f.EnableMetricsCollection:
		return SetLogAndMetrics
	case f.EnableLogShipping:
		return SetLogOnly
	}
	return SetNone
}

// Container and volume names of the telemetry set.
const (
	LogRouterContainer = "log-router"
	CollectorContainer = "otel-collector"
	TracingInit        = "tracing-init"

	instrumentationVolume = "otel-auto-instrumentation"
	instrumentationPath   = "/otel-auto-instrumentation"
)

// Params carries the externally-configured inputs of materialization. The
// config documents themselves are opaque blobs resolved later from the
// parameter store.
type Params struct {
	LogRouterImage           string `yaml:"logRouterImage"`
	CollectorImage           string `yaml:"collectorImage"`
	TracingInitImage         string `yaml:"tracingInitImage"`
	LogRouterConfigParameter string `yaml:"logRouterConfigParameter"`
	CollectorConfigParameter string `yaml:"collectorConfigParameter"`
	CollectorEndpoint        string `yaml:"collectorEndpoint"`
}

// defaults for images and the in-task collector endpoint
const (
	defaultLogRouterImage   = "public.ecr.aws/aws-observability/aws-for-fluent-bit:stable"
	defaultCollectorImage   = "public.ecr.aws/aws-observability/aws-otel-collector:latest"
	defaultTracingInitImage = "public.ecr.aws/aws-observability/adot-autoinstrumentation-java:v1.32.0"
	defaultOTLPEndpoint     = "http://localhost:4317"
)

// Diff is the graph delta a flag set materializes to. Applying an empty Diff
// is a no-op.
type Diff struct {
	Nodes []containergraph.Node
	Edges []containergraph.Edge

	// AppEnvironment is injected into the application node.
	AppEnvironment []containergraph.KeyValue
	// AppMountPoints is injected into the application node.
	AppMountPoints []containergraph.MountPoint
	// Volumes are task-level named volumes required by the diff.
	Volumes []string

	// ConfigParameters maps sidecar container name to the parameter store
	// name of its opaque configuration document.
	ConfigParameters map[string]string

	// UsesLogRouting signals that the application's log driver routes
	// through the log router.
	UsesLogRouting bool
}

// Materialize computes the graph diff for a flag set. It is deterministic and
// idempotent: it inspects only its arguments and invents no state.
func Materialize(flags Flags, appNode string, params Params) Diff {
	set := flags.Variant()
	if set == SetNone {
		return Diff{}
	}

	if params.LogRouterImage == "" {
		params.LogRouterImage = defaultLogRouterImage
	}
	if params.CollectorImage == "" {
		params.CollectorImage = defaultCollectorImage
	}
	if params.TracingInitImage == "" {
		params.TracingInitImage = defaultTracingInitImage
	}
	if params.CollectorEndpoint == "" {
		params.CollectorEndpoint = defaultOTLPEndpoint
	}

	diff := Diff{
		ConfigParameters: map[string]string{},
		UsesLogRouting:   true,
	}

	// The log router is essential and carries no dependency on the app: it
	// must be up for anything the task emits, and its loss fails the task.
	diff.Nodes = append(diff.Nodes, containergraph.Node{
		Name:      LogRouterContainer,
		Image:     params.LogRouterImage,
		Essential: true,
	})
	diff.ConfigParameters[LogRouterContainer] = params.LogRouterConfigParameter

	if set == SetLogAndMetrics || set == SetLogAndTracing || set == SetFull {
		diff.Nodes = append(diff.Nodes, containergraph.Node{
			Name:  CollectorContainer,
			Image: params.CollectorImage,
		})
		diff.Edges = append(diff.Edges, containergraph.Edge{
			Container: CollectorContainer,
			DependsOn: LogRouterContainer,
			Condition: containergraph.ConditionStart,
		})
		diff.ConfigParameters[CollectorContainer] = params.CollectorConfigParameter

		diff.AppEnvironment = append(diff.AppEnvironment,
			containergraph.KeyValue{Name: "OTEL_EXPORTER_OTLP_ENDPOINT", Value: params.CollectorEndpoint},
			containergraph.KeyValue{Name: "OTEL_EXPORTER_OTLP_PROTOCOL", Value: "grpc"},
			containergraph.KeyValue{Name: "OTEL_PROPAGATORS", Value: "tracecontext,baggage,xray"},
		)
	}

	if set == SetLogAndMetrics || set == SetFull {
		diff.AppEnvironment = append(diff.AppEnvironment,
			containergraph.KeyValue{Name: "OTEL_METRICS_EXPORTER", Value: "otlp"},
			containergraph.KeyValue{Name: "OTEL_METRIC_EXPORT_INTERVAL", Value: "15000"},
		)
	}

	if set == SetLogAndTracing || set == SetFull {
		// One-shot init container staging the auto-instrumentation payload
		// into a volume shared with the app. Non-essential: it is expected
		// to exit, but the app's SUCCESS dependency on it still gates
		// startup.
		diff.Nodes = append(diff.Nodes, containergraph.Node{
			Name:    TracingInit,
			Image:   params.TracingInitImage,
			Command: []string{"cp", "/javaagent.jar", instrumentationPath + "/javaagent.jar"},
			MountPoints: []containergraph.MountPoint{
				{SourceVolume: instrumentationVolume, ContainerPath: instrumentationPath},
			},
		})
		diff.Edges = append(diff.Edges, containergraph.Edge{
			Container: appNode,
			DependsOn: TracingInit,
			Condition: containergraph.ConditionSuccess,
		})
		diff.Volumes = append(diff.Volumes, instrumentationVolume)
		diff.AppMountPoints = append(diff.AppMountPoints, containergraph.MountPoint{
			SourceVolume:  instrumentationVolume,
			ContainerPath: instrumentationPath,
			ReadOnly:      true,
		})
		diff.AppEnvironment = append(diff.AppEnvironment,
			containergraph.KeyValue{Name: "OTEL_TRACES_EXPORTER", Value: "otlp"},
			containergraph.KeyValue{Name: "OTEL_TRACES_SAMPLER", Value: "parentbased_traceidratio"},
			containergraph.KeyValue{Name: "OTEL_TRACES_SAMPLER_ARG", Value: "1.0"},
			containergraph.KeyValue{Name: "JAVA_TOOL_OPTIONS", Value: "-javaagent:" + instrumentationPath + "/javaagent.jar"},
		)
	}

	return diff
}

// Apply merges the diff into a revision's container set, injecting the app
// node's extra environment and mounts. The inputs are not mutated.
func (d Diff) Apply(nodes []containergraph.Node, edges []containergraph.Edge, appNode string) ([]containergraph.Node, []containergraph.Edge) {
	merged := make([]containergraph.Node, 0, len(nodes)+len(d.Nodes))
	for _, node := range nodes {
		if node.Name == appNode {
			node.Environment = append(append([]containergraph.KeyValue(nil), node.Environment...), d.AppEnvironment...)
			node.MountPoints = append(append([]containergraph.MountPoint(nil), node.MountPoints...), d.AppMountPoints...)
		}
		merged = append(merged, node)
	}
	merged = append(merged, d.Nodes...)
	mergedEdges := append(append([]containergraph.Edge(nil), edges...), d.Edges...)
	return merged, mergedEdges
}
