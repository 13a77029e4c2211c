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

// Package mock_elbv2wrapper is a map-backed in-memory stand-in for the ELBv2
// control plane. Every rule mutation is journaled so tests can assert that no
// intermediate state ever had zero or two forward targets.
package mock_elbv2wrapper

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/pkg/errors"
)

type MockELBV2 struct {
	mu sync.Mutex

	// RuleForwards maps rule ARN to the target group ARNs its forward action
	// points at. A well-formed rule always has exactly one.
	RuleForwards map[string][]string

	// TargetHealth maps target group ARN to the health state of each
	// registered target.
	TargetHealth map[string][]types.TargetHealthStateEnum

	// RuleJournal records every state a rule has ever been in, in order.
	RuleJournal map[string][][]string

	// ModifyRuleErr, when set, is returned by the next ModifyRule call.
	ModifyRuleErr error

	ModifyRuleCalls int
}

func NewMockELBV2() *MockELBV2 {
	return &MockELBV2{
		RuleForwards: map[string][]string{},
		TargetHealth: map[string][]types.TargetHealthStateEnum{},
		RuleJournal:  map[string][][]string{},
	}
}

// SetRule points a rule at a single target group, journaling the transition.
func (m *MockELBV2) SetRule(ruleArn, targetGroupArn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RuleForwards[ruleArn] = []string{targetGroupArn}
	m.RuleJournal[ruleArn] = append(m.RuleJournal[ruleArn], []string{targetGroupArn})
}

// SetTargetHealth sets the health states reported for a target group.
func (m *MockELBV2) SetTargetHealth(targetGroupArn string, states ...types.TargetHealthStateEnum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TargetHealth[targetGroupArn] = states
}

func (m *MockELBV2) DescribeRules(ctx context.Context, input *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &elbv2.DescribeRulesOutput{}
	for _, ruleArn := range input.RuleArns {
		tgs, ok := m.RuleForwards[ruleArn]
		if !ok {
			return nil, errors.Errorf("rule %s not found", ruleArn)
		}
		rule := types.Rule{RuleArn: aws.String(ruleArn)}
		for _, tg := range tgs {
			rule.Actions = append(rule.Actions, types.Action{
				Type:           types.ActionTypeEnumForward,
				TargetGroupArn: aws.String(tg),
			})
		}
		out.Rules = append(out.Rules, rule)
	}
	return out, nil
}

func (m *MockELBV2) ModifyRule(ctx context.Context, input *elbv2.ModifyRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.ModifyRuleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModifyRuleCalls++
	if m.ModifyRuleErr != nil {
		err := m.ModifyRuleErr
		m.ModifyRuleErr = nil
		return nil, err
	}
	ruleArn := aws.ToString(input.RuleArn)
	if _, ok := m.RuleForwards[ruleArn]; !ok {
		return nil, errors.Errorf("rule %s not found", ruleArn)
	}
	var tgs []string
	for _, action := range input.Actions {
		if action.Type == types.ActionTypeEnumForward {
			tgs = append(tgs, aws.ToString(action.TargetGroupArn))
		}
	}
	m.RuleForwards[ruleArn] = tgs
	m.RuleJournal[ruleArn] = append(m.RuleJournal[ruleArn], tgs)
	return &elbv2.ModifyRuleOutput{}, nil
}

func (m *MockELBV2) DescribeTargetGroups(ctx context.Context, input *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &elbv2.DescribeTargetGroupsOutput{}
	for _, arn := range input.TargetGroupArns {
		if _, ok := m.TargetHealth[arn]; !ok {
			return nil, errors.Errorf("target group %s not found", arn)
		}
		out.TargetGroups = append(out.TargetGroups, types.TargetGroup{TargetGroupArn: aws.String(arn)})
	}
	return out, nil
}

func (m *MockELBV2) DescribeTargetHealth(ctx context.Context, input *elbv2.DescribeTargetHealthInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arn := aws.ToString(input.TargetGroupArn)
	states, ok := m.TargetHealth[arn]
	if !ok {
		return nil, errors.Errorf("target group %s not found", arn)
	}
	out := &elbv2.DescribeTargetHealthOutput{}
	for _, state := range states {
		out.TargetHealthDescriptions = append(out.TargetHealthDescriptions, types.TargetHealthDescription{
			TargetHealth: &types.TargetHealth{State: state},
		})
	}
	return out, nil
}

// AssertSingleForward reports whether every journaled state of the rule
// forwarded to exactly one target group.
func (m *MockELBV2) AssertSingleForward(ruleArn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tgs := range m.RuleJournal[ruleArn] {
		if len(tgs) != 1 {
			return false
		}
	}
	return true
}
