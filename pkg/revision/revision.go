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

// Package revision turns a deployment document into an immutable, validated
// revision: the full container graph of one candidate environment plus the
// task-level resources it needs. Building the graph here makes an invalid
// document a synchronous rejection, before any AWS call is made.
package revision

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shipswitch/shipswitch/pkg/config"
	"github.com/shipswitch/shipswitch/pkg/containergraph"
	"github.com/shipswitch/shipswitch/pkg/sidecar"
)

// Revision is one fully-resolved candidate: everything needed to materialize
// an environment, and nothing that can change after validation.
type Revision struct {
	ID        string
	Service   string
	AppNode   string
	Image     string
	Graph     *containergraph.Graph
	Flags     sidecar.Flags
	Diff      sidecar.Diff
	Volumes   []string
	CPU       int32
	Memory    int32
	Desired   int32
	CreatedAt time.Time
}

// New builds a revision from the deployment document. Graph validation errors
// (cycles, dangling edges, HEALTHY without a health check) surface here.
func New(cfg *config.Config) (*Revision, error) {
	app := appNode(cfg)
	diff := sidecar.Materialize(cfg.Telemetry.Flags, app.Name, cfg.Telemetry.Params)

	nodes, edges := diff.Apply([]containergraph.Node{app}, nil, app.Name)
	graph, err := containergraph.Build(nodes, edges)
	if err != nil {
		return nil, errors.Wrap(err, "revision: invalid container graph")
	}

	return &Revision{
		ID:        uuid.NewString(),
		Service:   cfg.Service,
		AppNode:   app.Name,
		Image:     cfg.App.Image,
		Graph:     graph,
		Flags:     cfg.Telemetry.Flags,
		Diff:      diff,
		Volumes:   diff.Volumes,
		CPU:       cfg.App.CPU,
		Memory:    cfg.App.Memory,
		Desired:   cfg.App.DesiredCount,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// appNode renders the application container from the document, wiring in the
// data-layer endpoints and the credentials secret reference.
func appNode(cfg *config.Config) containergraph.Node {
	node := containergraph.Node{
		Name:        cfg.App.Container,
		Image:       cfg.App.Image,
		Essential:   true,
		Command:     cfg.App.Command,
		PortMapping: cfg.App.Port,
		HealthCheck: cfg.App.HealthCheck.ToSpec(),
	}
	for _, kv := range cfg.App.Environment {
		node.Environment = append(node.Environment, containergraph.KeyValue{Name: kv.Name, Value: kv.Value})
	}

	dl := cfg.DataLayer
	if dl.DBHost != "" {
		node.Environment = append(node.Environment,
			containergraph.KeyValue{Name: "DB_HOST", Value: dl.DBHost},
			containergraph.KeyValue{Name: "DB_PORT", Value: strconv.Itoa(int(dl.DBPort))},
			containergraph.KeyValue{Name: "DB_NAME", Value: dl.DBName},
		)
	}
	if dl.DBCredentialsSecret != "" {
		node.Secrets = append(node.Secrets, containergraph.SecretRef{
			Name:      "DB_CREDENTIALS",
			ValueFrom: dl.DBCredentialsSecret,
		})
	}
	if dl.CacheEndpoint != "" {
		node.Environment = append(node.Environment,
			containergraph.KeyValue{Name: "CACHE_ENDPOINT", Value: dl.CacheEndpoint},
			containergraph.KeyValue{Name: "CACHE_PORT", Value: strconv.Itoa(int(dl.CachePort))},
			containergraph.KeyValue{Name: "CACHE_TLS", Value: strconv.FormatBool(dl.CacheTLS)},
		)
	}
	return node
}

// Family is the task definition family name for this revision's service.
func (r *Revision) Family() string {
	return "shipswitch-" + r.Service
}
