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

// Package environment materializes a revision into a running candidate: a
// registered task definition and an ECS service attached to the idle target
// group. Teardown is idempotent so rollback can always be retried.
package environment

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"github.com/shipswitch/shipswitch/pkg/config"
	"github.com/shipswitch/shipswitch/pkg/containergraph"
	"github.com/shipswitch/shipswitch/pkg/ecswrapper"
	"github.com/shipswitch/shipswitch/pkg/revision"
	"github.com/shipswitch/shipswitch/pkg/secretswrapper"
	"github.com/shipswitch/shipswitch/pkg/sidecar"
	"github.com/shipswitch/shipswitch/pkg/ssmwrapper"
	"github.com/shipswitch/shipswitch/pkg/utils/logger"
	"github.com/shipswitch/shipswitch/pkg/utils/prometheusmetrics"
	"github.com/shipswitch/shipswitch/pkg/utils/retry"
)

var log = logger.Get()

// ProvisioningError wraps any failure to bring the candidate up. It is always
// a rollback trigger, never a panic.
type ProvisioningError struct {
	Stage string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("environment: provisioning failed at %s: %v", e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Environment is one materialized candidate.
type Environment struct {
	ServiceName       string
	TaskDefinitionArn string
	TargetGroupArn    string
	CreatedAt         time.Time
}

// Materializer renders revisions into ECS services.
type Materializer struct {
	ecs     ecswrapper.ECS
	ssm     ssmwrapper.SSM
	secrets secretswrapper.SecretsManager
	cfg     *config.Config
}

// NewMaterializer wires the AWS surfaces the materializer drives.
func NewMaterializer(ecsClient ecswrapper.ECS, ssmClient ssmwrapper.SSM, secretsClient secretswrapper.SecretsManager, cfg *config.Config) *Materializer {
	return &Materializer{ecs: ecsClient, ssm: ssmClient, secrets: secretsClient, cfg: cfg}
}

// essential-container wait loop
const (
	waitAttempts = 30
	waitInterval = 2 * time.Second
)

// Materialize brings up the candidate service on targetGroupArn and waits for
// its essential containers to be RUNNING. All failure paths return a
// *ProvisioningError or a *containergraph.DependencyViolation so the caller
// can distinguish infra failures from graph failures.
func (m *Materializer) Materialize(ctx context.Context, rev *revision.Revision, targetGroupArn string) (*Environment, error) {
	if err := m.verifyReferences(ctx, rev); err != nil {
		return nil, err
	}

	taskDefArn, err := m.registerTaskDefinition(ctx, rev)
	if err != nil {
		return nil, &ProvisioningError{Stage: "register-task-definition", Err: err}
	}

	serviceName := fmt.Sprintf("%s-%s", rev.Service, rev.ID[:8])
	env := &Environment{
		ServiceName:       serviceName,
		TaskDefinitionArn: taskDefArn,
		TargetGroupArn:    targetGroupArn,
		CreatedAt:         time.Now().UTC(),
	}

	appNode, _ := rev.Graph.Node(rev.AppNode)
	start := time.Now()
	_, err = m.ecs.CreateService(ctx, &ecs.CreateServiceInput{
		ServiceName:    aws.String(serviceName),
		Cluster:        aws.String(m.cfg.Cluster),
		TaskDefinition: aws.String(taskDefArn),
		DesiredCount:   aws.Int32(rev.Desired),
		LaunchType:     ecstypes.LaunchTypeFargate,
		LoadBalancers: []ecstypes.LoadBalancer{{
			TargetGroupArn: aws.String(targetGroupArn),
			ContainerName:  aws.String(rev.AppNode),
			ContainerPort:  aws.Int32(appNode.PortMapping),
		}},
		NetworkConfiguration: m.networkConfig(),
		PropagateTags:        ecstypes.PropagateTagsService,
		Tags: []ecstypes.Tag{
			{Key: aws.String("shipswitch:revision"), Value: aws.String(rev.ID)},
			{Key: aws.String("shipswitch:service"), Value: aws.String(rev.Service)},
		},
	})
	prometheusmetrics.ObserveAWSAPICall("CreateService", start, err)
	if err != nil {
		return nil, &ProvisioningError{Stage: "create-service", Err: err}
	}

	if err := m.waitEssentialRunning(ctx, rev, serviceName); err != nil {
		return env, err
	}
	log.Infof("Candidate %s materialized on %s", serviceName, targetGroupArn)
	return env, nil
}

// verifyReferences checks the external documents a revision points at before
// anything is created: sidecar config blobs must exist and be non-empty, and
// every secret reference must resolve. Contents are never inspected.
func (m *Materializer) verifyReferences(ctx context.Context, rev *revision.Revision) error {
	for container, param := range rev.Diff.ConfigParameters {
		if param == "" {
			continue
		}
		out, err := m.ssm.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(param)})
		if err != nil {
			return &ProvisioningError{Stage: "resolve-sidecar-config", Err: errors.Wrapf(err, "parameter %s for %s", param, container)}
		}
		if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
			return &ProvisioningError{Stage: "resolve-sidecar-config", Err: errors.Errorf("parameter %s for %s is empty", param, container)}
		}
	}
	for _, node := range rev.Graph.Nodes {
		for _, secret := range node.Secrets {
			_, err := m.secrets.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(secret.ValueFrom)})
			if err != nil {
				return &ProvisioningError{Stage: "resolve-secrets", Err: errors.Wrapf(err, "secret %s for %s", secret.ValueFrom, node.Name)}
			}
		}
	}
	return nil
}

func (m *Materializer) registerTaskDefinition(ctx context.Context, rev *revision.Revision) (string, error) {
	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(rev.Family()),
		ContainerDefinitions:    renderContainers(rev),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
	}
	if rev.CPU > 0 {
		input.Cpu = aws.String(fmt.Sprintf("%d", rev.CPU))
	}
	if rev.Memory > 0 {
		input.Memory = aws.String(fmt.Sprintf("%d", rev.Memory))
	}
	if m.cfg.ExecutionRoleArn != "" {
		input.ExecutionRoleArn = aws.String(m.cfg.ExecutionRoleArn)
	}
	if m.cfg.TaskRoleArn != "" {
		input.TaskRoleArn = aws.String(m.cfg.TaskRoleArn)
	}
	for _, vol := range rev.Volumes {
		input.Volumes = append(input.Volumes, ecstypes.Volume{Name: aws.String(vol)})
	}

	start := time.Now()
	out, err := m.ecs.RegisterTaskDefinition(ctx, input)
	prometheusmetrics.ObserveAWSAPICall("RegisterTaskDefinition", start, err)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

// renderContainers maps the graph one node at a time onto ECS container
// definitions; dependency conditions translate 1:1.
func renderContainers(rev *revision.Revision) []ecstypes.ContainerDefinition {
	defs := make([]ecstypes.ContainerDefinition, 0, len(rev.Graph.Nodes))
	for _, node := range rev.Graph.Nodes {
		def := ecstypes.ContainerDefinition{
			Name:      aws.String(node.Name),
			Image:     aws.String(node.Image),
			Essential: aws.Bool(node.Essential),
			Command:   node.Command,
		}
		if node.PortMapping > 0 {
			def.PortMappings = []ecstypes.PortMapping{{
				ContainerPort: aws.Int32(node.PortMapping),
				Protocol:      ecstypes.TransportProtocolTcp,
			}}
		}
		for _, kv := range node.Environment {
			def.Environment = append(def.Environment, ecstypes.KeyValuePair{
				Name:  aws.String(kv.Name),
				Value: aws.String(kv.Value),
			})
		}
		for _, secret := range node.Secrets {
			def.Secrets = append(def.Secrets, ecstypes.Secret{
				Name:      aws.String(secret.Name),
				ValueFrom: aws.String(secret.ValueFrom),
			})
		}
		for _, mp := range node.MountPoints {
			def.MountPoints = append(def.MountPoints, ecstypes.MountPoint{
				SourceVolume:  aws.String(mp.SourceVolume),
				ContainerPath: aws.String(mp.ContainerPath),
				ReadOnly:      aws.Bool(mp.ReadOnly),
			})
		}
		if hc := node.HealthCheck; hc != nil {
			def.HealthCheck = &ecstypes.HealthCheck{
				Command:     hc.Command,
				Interval:    aws.Int32(int32(hc.Interval.Seconds())),
				Timeout:     aws.Int32(int32(hc.Timeout.Seconds())),
				Retries:     aws.Int32(int32(hc.Retries)),
				StartPeriod: aws.Int32(int32(hc.StartPeriod.Seconds())),
			}
		}
		for _, edge := range rev.Graph.Dependencies(node.Name) {
			def.DependsOn = append(def.DependsOn, ecstypes.ContainerDependency{
				ContainerName: aws.String(edge.DependsOn),
				Condition:     ecstypes.ContainerCondition(edge.Condition),
			})
		}
		if rev.Diff.UsesLogRouting && node.Name != sidecar.LogRouterContainer {
			def.LogConfiguration = &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwsfirelens,
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// waitEssentialRunning polls until every essential-path container of every
// task is RUNNING, or classifies the failure once a task stops.
func (m *Materializer) waitEssentialRunning(ctx context.Context, rev *revision.Revision, serviceName string) error {
	backoff := retry.NewSimpleBackoff(waitInterval, 30*time.Second, 0.2, 2)

	// terminal captures failures that must not be retried; RetriableError
	// carries no Unwrap so it cannot be recovered from the loop's return.
	var terminal error

	err := retry.NWithBackoffCtx(ctx, backoff, waitAttempts, func() error {
		states, stopped, err := m.observeTasks(ctx, rev, serviceName)
		if err != nil {
			return retry.NewRetriableError(retry.NewRetriable(true), err)
		}

		if stopped {
			if violation := rev.Graph.Unsatisfiable(states); violation != nil {
				terminal = violation
			} else {
				terminal = &ProvisioningError{Stage: "wait-running", Err: errors.New("task stopped before essentials were running")}
			}
			return retry.NewRetriableError(retry.NewRetriable(false), terminal)
		}

		for _, name := range rev.Graph.EssentialClosure() {
			state, ok := states[name]
			if !ok || state.Status != containergraph.StatusRunning {
				// one-shot containers satisfy their dependents by exiting zero
				if ok && state.Status == containergraph.StatusStopped && state.ExitCode != nil && *state.ExitCode == 0 {
					continue
				}
				return retry.NewRetriableError(retry.NewRetriable(true),
					errors.Errorf("container %s not running yet", name))
			}
		}
		return nil
	})
	if terminal != nil {
		return terminal
	}
	if err != nil {
		return &ProvisioningError{Stage: "wait-running", Err: err}
	}
	return nil
}

// observeTasks flattens the service's task containers into graph-level states.
// stopped reports whether any task has stopped.
func (m *Materializer) observeTasks(ctx context.Context, rev *revision.Revision, serviceName string) (map[string]containergraph.ContainerState, bool, error) {
	listed, err := m.ecs.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:     aws.String(m.cfg.Cluster),
		ServiceName: aws.String(serviceName),
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "environment: list tasks")
	}
	if len(listed.TaskArns) == 0 {
		return nil, false, errors.New("environment: no tasks yet")
	}

	described, err := m.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(m.cfg.Cluster),
		Tasks:   listed.TaskArns,
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "environment: describe tasks")
	}

	states := map[string]containergraph.ContainerState{}
	stopped := false
	for _, task := range described.Tasks {
		if aws.ToString(task.LastStatus) == "STOPPED" {
			stopped = true
		}
		for _, container := range task.Containers {
			states[aws.ToString(container.Name)] = containerState(container)
		}
	}
	return states, stopped, nil
}

func containerState(c ecstypes.Container) containergraph.ContainerState {
	state := containergraph.ContainerState{Status: containergraph.StatusPending}
	switch aws.ToString(c.LastStatus) {
	case "RUNNING":
		state.Status = containergraph.StatusRunning
	case "STOPPED":
		state.Status = containergraph.StatusStopped
		if c.ExitCode != nil {
			code := int(aws.ToInt32(c.ExitCode))
			state.ExitCode = &code
		}
	}
	switch c.HealthStatus {
	case ecstypes.HealthStatusHealthy:
		state.Health = containergraph.HealthHealthy
	case ecstypes.HealthStatusUnhealthy:
		state.Health = containergraph.HealthUnhealthy
	default:
		state.Health = containergraph.HealthUnknown
	}
	return state
}

// Teardown drains and deletes the candidate service. It is idempotent: a
// service that is already gone is a success, not an error.
func (m *Materializer) Teardown(ctx context.Context, env *Environment) error {
	if env == nil {
		return nil
	}
	active, err := m.serviceActive(ctx, env.ServiceName)
	if err != nil {
		return errors.Wrapf(err, "environment: describe %s", env.ServiceName)
	}
	if !active {
		log.Infof("Candidate %s already gone, nothing to tear down", env.ServiceName)
		return nil
	}
	start := time.Now()
	_, err = m.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(m.cfg.Cluster),
		Service:      aws.String(env.ServiceName),
		DesiredCount: aws.Int32(0),
	})
	prometheusmetrics.ObserveAWSAPICall("UpdateService", start, err)
	if err != nil && !isServiceGone(err) {
		return errors.Wrapf(err, "environment: drain %s", env.ServiceName)
	}

	start = time.Now()
	_, err = m.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(m.cfg.Cluster),
		Service: aws.String(env.ServiceName),
		Force:   aws.Bool(true),
	})
	prometheusmetrics.ObserveAWSAPICall("DeleteService", start, err)
	if err != nil && !isServiceGone(err) {
		return errors.Wrapf(err, "environment: delete %s", env.ServiceName)
	}
	log.Infof("Candidate %s torn down", env.ServiceName)
	return nil
}

// serviceActive reports whether the service exists and is not INACTIVE. ECS
// reports unknown services as failures with reason MISSING rather than as an
// API error.
func (m *Materializer) serviceActive(ctx context.Context, serviceName string) (bool, error) {
	start := time.Now()
	out, err := m.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(m.cfg.Cluster),
		Services: []string{serviceName},
	})
	prometheusmetrics.ObserveAWSAPICall("DescribeServices", start, err)
	if err != nil {
		if isServiceGone(err) {
			return false, nil
		}
		return false, err
	}
	for _, svc := range out.Services {
		if aws.ToString(svc.ServiceName) == serviceName && aws.ToString(svc.Status) != "INACTIVE" {
			return true, nil
		}
	}
	return false, nil
}

func isServiceGone(err error) bool {
	var notFound *ecstypes.ServiceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ServiceNotFoundException", "ServiceNotActiveException":
			return true
		}
	}
	return false
}

func (m *Materializer) networkConfig() *ecstypes.NetworkConfiguration {
	if len(m.cfg.Subnets) == 0 {
		return nil
	}
	return &ecstypes.NetworkConfiguration{
		AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
			Subnets:        m.cfg.Subnets,
			SecurityGroups: m.cfg.SecurityGroups,
			AssignPublicIp: ecstypes.AssignPublicIpDisabled,
		},
	}
}
