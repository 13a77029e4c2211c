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

// Package mock_secretswrapper is a map-backed stand-in for Secrets Manager.
package mock_secretswrapper

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type MockSecretsManager struct {
	mu      sync.Mutex
	Secrets map[string]struct{}
}

func NewMockSecretsManager(arns ...string) *MockSecretsManager {
	m := &MockSecretsManager{Secrets: map[string]struct{}{}}
	for _, arn := range arns {
		m.Secrets[arn] = struct{}{}
	}
	return m
}

func (m *MockSecretsManager) DescribeSecret(ctx context.Context, input *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arn := aws.ToString(input.SecretId)
	if _, ok := m.Secrets[arn]; !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	return &secretsmanager.DescribeSecretOutput{
		ARN:  aws.String(arn),
		Name: aws.String(arn),
	}, nil
}
