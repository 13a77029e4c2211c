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

// Package mock_ssmwrapper is a map-backed stand-in for the SSM Parameter
// Store.
package mock_ssmwrapper

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type MockSSM struct {
	mu         sync.Mutex
	Parameters map[string]string
}

func NewMockSSM() *MockSSM {
	return &MockSSM{Parameters: map[string]string{}}
}

func (m *MockSSM) SetParameter(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Parameters[name] = value
}

func (m *MockSSM) GetParameter(ctx context.Context, input *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(input.Name)
	value, ok := m.Parameters[name]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{
		Parameter: &types.Parameter{
			Name:  aws.String(name),
			Value: aws.String(value),
		},
	}, nil
}
