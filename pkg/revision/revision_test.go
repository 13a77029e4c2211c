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

package revision

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipswitch/shipswitch/pkg/config"
	"github.com/shipswitch/shipswitch/pkg/containergraph"
	"github.com/shipswitch/shipswitch/pkg/sidecar"
)

func baseConfig() *config.Config {
	return &config.Config{
		Cluster: "prod",
		Service: "orders",
		App: config.AppConfig{
			Container:    "app",
			Image:        "example/orders:42",
			Port:         8080,
			DesiredCount: 2,
			Environment:  []config.EnvVar{{Name: "PORT", Value: "8080"}},
			HealthCheck: &config.HealthCheckConfig{
				Command:  []string{"CMD-SHELL", "curl -sf http://localhost:8080/healthz"},
				Interval: config.Duration{Duration: 10 * time.Second},
				Timeout:  config.Duration{Duration: 3 * time.Second},
				Retries:  3,
			},
		},
		DataLayer: config.DataLayerConfig{
			DBHost:              "orders-db.example.internal",
			DBPort:              5432,
			DBName:              "orders",
			DBCredentialsSecret: "arn:aws:secretsmanager:us-west-2:123456789012:secret:orders-db",
			CacheEndpoint:       "orders-cache.example.internal",
			CachePort:           6379,
			CacheTLS:            true,
		},
	}
}

func envMap(kvs []containergraph.KeyValue) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[kv.Name] = kv.Value
	}
	return m
}

func TestNewBuildsAppNode(t *testing.T) {
	rev, err := New(baseConfig())
	require.NoError(t, err)

	assert.NotEmpty(t, rev.ID)
	assert.Equal(t, "orders", rev.Service)
	assert.Equal(t, "shipswitch-orders", rev.Family())
	assert.Equal(t, int32(2), rev.Desired)

	app, ok := rev.Graph.Node("app")
	require.True(t, ok)
	assert.True(t, app.Essential)
	require.NotNil(t, app.HealthCheck)
	assert.Equal(t, 10*time.Second, app.HealthCheck.Interval)

	env := envMap(app.Environment)
	assert.Equal(t, "orders-db.example.internal", env["DB_HOST"])
	assert.Equal(t, "5432", env["DB_PORT"])
	assert.Equal(t, "orders", env["DB_NAME"])
	assert.Equal(t, "orders-cache.example.internal", env["CACHE_ENDPOINT"])
	assert.Equal(t, "6379", env["CACHE_PORT"])
	assert.Equal(t, "true", env["CACHE_TLS"])

	require.Len(t, app.Secrets, 1)
	assert.Equal(t, "DB_CREDENTIALS", app.Secrets[0].Name)
}

func TestNewWithTelemetry(t *testing.T) {
	cfg := baseConfig()
	cfg.Telemetry.Flags = sidecar.Flags{EnableMetricsCollection: true, EnableTracing: true}

	rev, err := New(cfg)
	require.NoError(t, err)

	names := rev.Graph.StartOrder()
	assert.Contains(t, names, sidecar.LogRouterContainer)
	assert.Contains(t, names, sidecar.CollectorContainer)
	assert.Contains(t, names, sidecar.TracingInit)
	assert.Len(t, rev.Volumes, 1)

	app, ok := rev.Graph.Node("app")
	require.True(t, ok)
	env := envMap(app.Environment)
	assert.Contains(t, env, "OTEL_EXPORTER_OTLP_ENDPOINT")
	assert.Contains(t, env, "OTEL_TRACES_SAMPLER")
}

func TestNewGraphDeterministicUpToID(t *testing.T) {
	cfg := baseConfig()
	cfg.Telemetry.Flags = sidecar.Flags{EnableTracing: true}

	a, err := New(cfg)
	require.NoError(t, err)
	b, err := New(cfg)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Empty(t, cmp.Diff(a.Graph, b.Graph, cmpopts.IgnoreUnexported(containergraph.Graph{})))
}

func TestNewWithoutDataLayer(t *testing.T) {
	cfg := baseConfig()
	cfg.DataLayer = config.DataLayerConfig{}

	rev, err := New(cfg)
	require.NoError(t, err)
	app, ok := rev.Graph.Node("app")
	require.True(t, ok)
	env := envMap(app.Environment)
	assert.NotContains(t, env, "DB_HOST")
	assert.NotContains(t, env, "CACHE_ENDPOINT")
	assert.Empty(t, app.Secrets)
}
