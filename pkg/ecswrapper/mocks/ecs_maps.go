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

// Package mock_ecswrapper is a map-backed in-memory stand-in for the ECS
// control plane, sufficient for exercising environment materialization and
// teardown.
package mock_ecswrapper

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/pkg/errors"
)

type MockECS struct {
	mu sync.Mutex

	// TaskDefs maps "family:revision" to the registered definition.
	TaskDefs map[string]types.TaskDefinition
	// Services maps service name to its current state.
	Services map[string]*types.Service
	// TasksByService maps service name to its tasks. When empty for a
	// service, tasks are synthesized as RUNNING from the task definition.
	TasksByService map[string][]types.Task

	// ManualTaskControl stops the mock from synthesizing RUNNING tasks on
	// CreateService, so tests can stage failures.
	ManualTaskControl bool

	// Error injection, consumed by the next matching call.
	RegisterErr error
	CreateErr   error
	DeleteErr   error

	revisions map[string]int
}

func NewMockECS() *MockECS {
	return &MockECS{
		TaskDefs:       map[string]types.TaskDefinition{},
		Services:       map[string]*types.Service{},
		TasksByService: map[string][]types.Task{},
		revisions:      map[string]int{},
	}
}

func (m *MockECS) RegisterTaskDefinition(ctx context.Context, input *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RegisterErr != nil {
		err := m.RegisterErr
		m.RegisterErr = nil
		return nil, err
	}
	family := aws.ToString(input.Family)
	m.revisions[family]++
	rev := m.revisions[family]
	arn := fmt.Sprintf("arn:aws:ecs:us-west-2:123456789012:task-definition/%s:%d", family, rev)
	def := types.TaskDefinition{
		TaskDefinitionArn:    aws.String(arn),
		Family:               input.Family,
		Revision:             int32(rev),
		ContainerDefinitions: input.ContainerDefinitions,
		Volumes:              input.Volumes,
		Cpu:                  input.Cpu,
		Memory:               input.Memory,
	}
	m.TaskDefs[fmt.Sprintf("%s:%d", family, rev)] = def
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &def}, nil
}

func (m *MockECS) CreateService(ctx context.Context, input *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		err := m.CreateErr
		m.CreateErr = nil
		return nil, err
	}
	name := aws.ToString(input.ServiceName)
	if svc, ok := m.Services[name]; ok && aws.ToString(svc.Status) == "ACTIVE" {
		return nil, errors.Errorf("service %s already exists", name)
	}
	desired := aws.ToInt32(input.DesiredCount)
	svc := &types.Service{
		ServiceName:    input.ServiceName,
		ServiceArn:     aws.String("arn:aws:ecs:us-west-2:123456789012:service/" + name),
		ClusterArn:     input.Cluster,
		Status:         aws.String("ACTIVE"),
		DesiredCount:   desired,
		TaskDefinition: input.TaskDefinition,
		LoadBalancers:  input.LoadBalancers,
	}
	m.Services[name] = svc
	if !m.ManualTaskControl {
		m.synthesizeRunningTasksLocked(name, aws.ToString(input.TaskDefinition), int(desired))
		svc.RunningCount = desired
	}
	return &ecs.CreateServiceOutput{Service: svc}, nil
}

func (m *MockECS) UpdateService(ctx context.Context, input *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(input.Service)
	svc, ok := m.Services[name]
	if !ok {
		return nil, &types.ServiceNotFoundException{}
	}
	if input.DesiredCount != nil {
		svc.DesiredCount = aws.ToInt32(input.DesiredCount)
		if svc.DesiredCount == 0 {
			svc.RunningCount = 0
			m.TasksByService[name] = nil
		}
	}
	if input.TaskDefinition != nil {
		svc.TaskDefinition = input.TaskDefinition
	}
	return &ecs.UpdateServiceOutput{Service: svc}, nil
}

func (m *MockECS) DeleteService(ctx context.Context, input *ecs.DeleteServiceInput, optFns ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		err := m.DeleteErr
		m.DeleteErr = nil
		return nil, err
	}
	name := aws.ToString(input.Service)
	svc, ok := m.Services[name]
	if !ok {
		return nil, &types.ServiceNotFoundException{}
	}
	svc.Status = aws.String("INACTIVE")
	delete(m.Services, name)
	delete(m.TasksByService, name)
	return &ecs.DeleteServiceOutput{Service: svc}, nil
}

func (m *MockECS) DescribeServices(ctx context.Context, input *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ecs.DescribeServicesOutput{}
	for _, name := range input.Services {
		if svc, ok := m.Services[name]; ok {
			out.Services = append(out.Services, *svc)
		} else {
			out.Failures = append(out.Failures, types.Failure{
				Arn:    aws.String(name),
				Reason: aws.String("MISSING"),
			})
		}
	}
	return out, nil
}

func (m *MockECS) ListTasks(ctx context.Context, input *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ecs.ListTasksOutput{}
	for _, task := range m.TasksByService[aws.ToString(input.ServiceName)] {
		out.TaskArns = append(out.TaskArns, aws.ToString(task.TaskArn))
	}
	return out, nil
}

func (m *MockECS) DescribeTasks(ctx context.Context, input *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ecs.DescribeTasksOutput{}
	for _, arn := range input.Tasks {
		for _, tasks := range m.TasksByService {
			for _, task := range tasks {
				if aws.ToString(task.TaskArn) == arn {
					out.Tasks = append(out.Tasks, task)
				}
			}
		}
	}
	return out, nil
}

// SetTasks stages the tasks reported for a service and syncs running count.
func (m *MockECS) SetTasks(serviceName string, tasks ...types.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TasksByService[serviceName] = tasks
	if svc, ok := m.Services[serviceName]; ok {
		var running int32
		for _, task := range tasks {
			if aws.ToString(task.LastStatus) == "RUNNING" {
				running++
			}
		}
		svc.RunningCount = running
	}
}

func (m *MockECS) synthesizeRunningTasksLocked(serviceName, taskDefArn string, count int) {
	var containers []types.Container
	for _, def := range m.TaskDefs {
		if aws.ToString(def.TaskDefinitionArn) != taskDefArn {
			continue
		}
		for _, cd := range def.ContainerDefinitions {
			containers = append(containers, types.Container{
				Name:         cd.Name,
				LastStatus:   aws.String("RUNNING"),
				HealthStatus: types.HealthStatusHealthy,
			})
		}
	}
	var tasks []types.Task
	for i := 0; i < count; i++ {
		tasks = append(tasks, types.Task{
			TaskArn:    aws.String(fmt.Sprintf("arn:aws:ecs:us-west-2:123456789012:task/%s/%d", serviceName, i)),
			LastStatus: aws.String("RUNNING"),
			Containers: containers,
		})
	}
	m.TasksByService[serviceName] = tasks
}
