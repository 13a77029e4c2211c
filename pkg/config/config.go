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

// Package config loads the service deployment document. The document is YAML;
// daemon-level knobs (ports, log destination) come from the environment
// instead so a single document can move between accounts unchanged.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/shipswitch/shipswitch/pkg/containergraph"
	"github.com/shipswitch/shipswitch/pkg/healthgate"
	"github.com/shipswitch/shipswitch/pkg/sidecar"
	"github.com/shipswitch/shipswitch/pkg/utils"
)

// Duration wraps time.Duration with YAML support for "30s"/"5m" strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "config: invalid duration %q", raw)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// BindingConfig identifies one listener rule and the target group behind it.
type BindingConfig struct {
	ListenerArn    string `yaml:"listenerArn"`
	RuleArn        string `yaml:"ruleArn"`
	TargetGroupArn string `yaml:"targetGroupArn"`
	Port           int32  `yaml:"port"`
}

// TrafficConfig declares the production and test bindings. The two target
// groups must be disjoint.
type TrafficConfig struct {
	Production BindingConfig `yaml:"production"`
	Test       BindingConfig `yaml:"test"`
}

// HealthGateConfig carries the probe knobs. All five are deployment
// configuration, never compiled-in constants.
type HealthGateConfig struct {
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	Retries          int      `yaml:"retries"`
	StartPeriod      Duration `yaml:"startPeriod"`
	FailureThreshold int      `yaml:"failureThreshold"`
	// ProbePath is probed through the test binding; empty means target-group
	// health is sampled instead.
	ProbePath string `yaml:"probePath"`
	// ProbeHost is the host the HTTP prober dials when ProbePath is set.
	// Empty means localhost.
	ProbeHost string `yaml:"probeHost"`
}

// ToGate converts the declaration into the gate's runtime configuration.
func (h HealthGateConfig) ToGate() healthgate.Config {
	return healthgate.Config{
		Interval:         h.Interval.Duration,
		Timeout:          h.Timeout.Duration,
		Retries:          h.Retries,
		StartPeriod:      h.StartPeriod.Duration,
		FailureThreshold: h.FailureThreshold,
	}
}

// DeployConfig shapes the attempt lifecycle.
type DeployConfig struct {
	BakeTime   Duration         `yaml:"bakeTime"`
	DrainGrace Duration         `yaml:"drainGrace"`
	HealthGate HealthGateConfig `yaml:"healthGate"`
	// HistoryLimit bounds the retained terminal attempts.
	HistoryLimit int `yaml:"historyLimit"`
}

// HealthCheckConfig is the in-container health probe declaration.
type HealthCheckConfig struct {
	Command     []string `yaml:"command"`
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod Duration `yaml:"startPeriod"`
}

// ToSpec converts the declaration to the graph-level spec.
func (h *HealthCheckConfig) ToSpec() *containergraph.HealthCheckSpec {
	if h == nil {
		return nil
	}
	return &containergraph.HealthCheckSpec{
		Command:     h.Command,
		Interval:    h.Interval.Duration,
		Timeout:     h.Timeout.Duration,
		Retries:     h.Retries,
		StartPeriod: h.StartPeriod.Duration,
	}
}

// EnvVar is one plain environment variable entry.
type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// AppConfig is the application container spec of a revision.
type AppConfig struct {
	Container    string             `yaml:"container"`
	Image        string             `yaml:"image"`
	Port         int32              `yaml:"port"`
	Command      []string           `yaml:"command"`
	Environment  []EnvVar           `yaml:"environment"`
	HealthCheck  *HealthCheckConfig `yaml:"healthCheck"`
	CPU          int32              `yaml:"cpu"`
	Memory       int32              `yaml:"memory"`
	DesiredCount int32              `yaml:"desiredCount"`
}

// DataLayerConfig names the backing stores the app container is wired to.
// Credentials stay in Secrets Manager; only the reference travels here.
type DataLayerConfig struct {
	DBHost              string `yaml:"dbHost"`
	DBPort              int32  `yaml:"dbPort"`
	DBName              string `yaml:"dbName"`
	DBCredentialsSecret string `yaml:"dbCredentialsSecret"`
	CacheEndpoint       string `yaml:"cacheEndpoint"`
	CachePort           int32  `yaml:"cachePort"`
	CacheTLS            bool   `yaml:"cacheTLS"`
}

// TelemetryConfig is the sidecar flag set plus the parameter store names of
// the sidecar configuration documents.
type TelemetryConfig struct {
	Flags  sidecar.Flags  `yaml:",inline"`
	Params sidecar.Params `yaml:",inline"`
}

// Config is the full service deployment document.
type Config struct {
	Cluster string `yaml:"cluster"`
	Service string `yaml:"service"`
	// ExecutionRoleArn is assumed by the task agent for image pull, log
	// shipping and secret resolution.
	ExecutionRoleArn string   `yaml:"executionRoleArn"`
	TaskRoleArn      string   `yaml:"taskRoleArn"`
	Subnets          []string `yaml:"subnets"`
	SecurityGroups   []string `yaml:"securityGroups"`

	App       AppConfig       `yaml:"app"`
	DataLayer DataLayerConfig `yaml:"dataLayer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Deploy    DeployConfig    `yaml:"deploy"`
}

// Daemon-level environment knobs.
const (
	envMetricsPort      = "SHIPSWITCH_METRICS_PORT"
	envAPIPort          = "SHIPSWITCH_API_PORT"
	envDisableMetrics   = "SHIPSWITCH_DISABLE_METRICS"
	envDisablePublisher = "SHIPSWITCH_DISABLE_CW_PUBLISHER"

	defaultMetricsPort = 61780
	defaultAPIPort     = 61779
)

// Daemon carries the environment-sourced daemon settings.
type Daemon struct {
	MetricsPort      int
	APIPort          int
	DisableMetrics   bool
	DisablePublisher bool
}

// DaemonFromEnv reads the daemon knobs from the environment.
func DaemonFromEnv() Daemon {
	return Daemon{
		MetricsPort:      utils.GetIntFromStringEnvVar(envMetricsPort, defaultMetricsPort),
		APIPort:          utils.GetIntFromStringEnvVar(envAPIPort, defaultAPIPort),
		DisableMetrics:   utils.GetBoolAsStringEnvVar(envDisableMetrics, false),
		DisablePublisher: utils.GetBoolAsStringEnvVar(envDisablePublisher, false),
	}
}

// Load reads and validates a deployment document.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes and validates a deployment document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.DesiredCount <= 0 {
		c.App.DesiredCount = 1
	}
	if c.Deploy.BakeTime.Duration <= 0 {
		c.Deploy.BakeTime.Duration = 5 * time.Minute
	}
	if c.Deploy.DrainGrace.Duration <= 0 {
		c.Deploy.DrainGrace.Duration = 30 * time.Second
	}
	if c.Deploy.HistoryLimit <= 0 {
		c.Deploy.HistoryLimit = 50
	}
}

// Validate rejects documents that cannot possibly deploy.
func (c *Config) Validate() error {
	switch {
	case c.Cluster == "":
		return errors.New("config: cluster is required")
	case c.Service == "":
		return errors.New("config: service is required")
	case c.App.Container == "":
		return errors.New("config: app.container is required")
	case c.App.Image == "":
		return errors.New("config: app.image is required")
	case c.Traffic.Production.RuleArn == "":
		return errors.New("config: traffic.production.ruleArn is required")
	case c.Traffic.Test.RuleArn == "":
		return errors.New("config: traffic.test.ruleArn is required")
	case c.Traffic.Production.TargetGroupArn == "":
		return errors.New("config: traffic.production.targetGroupArn is required")
	case c.Traffic.Test.TargetGroupArn == "":
		return errors.New("config: traffic.test.targetGroupArn is required")
	}
	if c.Traffic.Production.TargetGroupArn == c.Traffic.Test.TargetGroupArn {
		return errors.New("config: production and test target groups must be disjoint")
	}
	if c.Traffic.Production.RuleArn == c.Traffic.Test.RuleArn {
		return errors.New("config: production and test rules must be distinct")
	}
	if err := c.Deploy.HealthGate.ToGate().Validate(); err != nil {
		return err
	}
	return nil
}
