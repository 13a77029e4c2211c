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

// Package trafficrouter owns the listener rule bindings of the two
// environments and performs the atomic production cutover. A swap is one
// ModifyRule call on the production rule: traffic is never split and never
// dropped between the old and new target group.
package trafficrouter

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/pkg/errors"

	"github.com/shipswitch/shipswitch/pkg/elbv2wrapper"
	"github.com/shipswitch/shipswitch/pkg/utils/logger"
	"github.com/shipswitch/shipswitch/pkg/utils/prometheusmetrics"
	"github.com/shipswitch/shipswitch/pkg/utils/ttime"
)

var log = logger.Get()

// ErrSwapConflict is returned when a swap is requested while another swap is
// still in flight. The caller must re-read State and retry deliberately, not
// blindly.
var ErrSwapConflict = errors.New("trafficrouter: swap already in progress")

// Binding ties a listener rule to the target group it currently forwards to.
type Binding struct {
	ListenerArn    string
	RuleArn        string
	TargetGroupArn string
	Port           int32
}

// State is a point-in-time snapshot of both bindings.
type State struct {
	// Production receives live traffic.
	Production Binding
	// Test fronts the idle environment on the test port.
	Test Binding
	// LastSwapAt is the zero time until the first swap.
	LastSwapAt time.Time
}

// Router serializes cutovers between the production and test bindings.
type Router struct {
	elbv2 elbv2wrapper.ELBV2
	time  ttime.Time

	mu       sync.Mutex
	swapping bool
	state    State
}

// New builds a Router over an already-verified pair of bindings. Use Verify
// to check them against the control plane before the first swap.
func New(client elbv2wrapper.ELBV2, production, test Binding) *Router {
	return &Router{
		elbv2: client,
		time:  &ttime.DefaultTime{},
		state: State{Production: production, Test: test},
	}
}

// State returns a copy of the current bindings.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Verify checks that both target groups exist and that both rules forward to
// exactly the target groups the router believes they do. Run at startup to
// catch drift from out-of-band console edits.
func (r *Router) Verify(ctx context.Context) error {
	state := r.State()
	if err := r.targetGroupsExist(ctx, state.Production.TargetGroupArn, state.Test.TargetGroupArn); err != nil {
		return err
	}
	for _, b := range []Binding{state.Production, state.Test} {
		tgs, err := r.ruleForwards(ctx, b.RuleArn)
		if err != nil {
			return err
		}
		if len(tgs) != 1 {
			return errors.Errorf("trafficrouter: rule %s forwards to %d target groups, want 1", b.RuleArn, len(tgs))
		}
		if tgs[0] != b.TargetGroupArn {
			return errors.Errorf("trafficrouter: rule %s forwards to %s, expected %s", b.RuleArn, tgs[0], b.TargetGroupArn)
		}
	}
	return nil
}

// Swap atomically repoints the production rule at newTargetGroup and the test
// rule at the displaced production target group. newTargetGroup must be the
// target group currently behind the test binding; anything else is rejected
// before any rule is touched. At most one swap runs at a time: a concurrent
// call fails fast with ErrSwapConflict.
func (r *Router) Swap(ctx context.Context, newTargetGroup string) (State, error) {
	r.mu.Lock()
	if r.swapping {
		r.mu.Unlock()
		return State{}, ErrSwapConflict
	}
	r.swapping = true
	state := r.state
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.swapping = false
		r.mu.Unlock()
	}()

	if newTargetGroup != state.Test.TargetGroupArn {
		return State{}, errors.Errorf("trafficrouter: %s is not behind the test binding (%s is)",
			newTargetGroup, state.Test.TargetGroupArn)
	}

	displaced := state.Production.TargetGroupArn

	start := r.time.Now()
	if err := r.modifyRule(ctx, state.Production.RuleArn, newTargetGroup); err != nil {
		return State{}, errors.Wrap(err, "trafficrouter: production cutover failed")
	}
	prometheusmetrics.SwapLatency.Observe(r.time.Now().Sub(start).Seconds())

	// The production cutover is the only step that matters for correctness.
	// Repointing the test rule at the displaced group is bookkeeping; if it
	// fails, the swap still happened and the state must say so.
	if err := r.modifyRule(ctx, state.Test.RuleArn, displaced); err != nil {
		log.Errorf("Test rule %s repoint failed after cutover: %v", state.Test.RuleArn, err)
	}

	r.mu.Lock()
	r.state.Production.TargetGroupArn = newTargetGroup
	r.state.Test.TargetGroupArn = displaced
	r.state.LastSwapAt = r.time.Now()
	state = r.state
	r.mu.Unlock()

	log.Infof("Production traffic switched to %s, test binding now fronts %s", newTargetGroup, displaced)
	return state, nil
}

func (r *Router) modifyRule(ctx context.Context, ruleArn, targetGroupArn string) error {
	start := time.Now()
	_, err := r.elbv2.ModifyRule(ctx, &elbv2.ModifyRuleInput{
		RuleArn: aws.String(ruleArn),
		Actions: []elbv2types.Action{{
			Type:           elbv2types.ActionTypeEnumForward,
			TargetGroupArn: aws.String(targetGroupArn),
		}},
	})
	prometheusmetrics.ObserveAWSAPICall("ModifyRule", start, err)
	return err
}

func (r *Router) targetGroupsExist(ctx context.Context, arns ...string) error {
	start := time.Now()
	out, err := r.elbv2.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{TargetGroupArns: arns})
	prometheusmetrics.ObserveAWSAPICall("DescribeTargetGroups", start, err)
	if err != nil {
		return errors.Wrap(err, "trafficrouter: describe target groups")
	}
	found := make(map[string]struct{}, len(out.TargetGroups))
	for _, tg := range out.TargetGroups {
		found[aws.ToString(tg.TargetGroupArn)] = struct{}{}
	}
	for _, arn := range arns {
		if _, ok := found[arn]; !ok {
			return errors.Errorf("trafficrouter: target group %s does not exist", arn)
		}
	}
	return nil
}

func (r *Router) ruleForwards(ctx context.Context, ruleArn string) ([]string, error) {
	start := time.Now()
	out, err := r.elbv2.DescribeRules(ctx, &elbv2.DescribeRulesInput{RuleArns: []string{ruleArn}})
	prometheusmetrics.ObserveAWSAPICall("DescribeRules", start, err)
	if err != nil {
		return nil, errors.Wrapf(err, "trafficrouter: describe rule %s", ruleArn)
	}
	var tgs []string
	for _, rule := range out.Rules {
		for _, action := range rule.Actions {
			if action.Type == elbv2types.ActionTypeEnumForward && action.TargetGroupArn != nil {
				tgs = append(tgs, aws.ToString(action.TargetGroupArn))
			}
		}
	}
	return tgs, nil
}
