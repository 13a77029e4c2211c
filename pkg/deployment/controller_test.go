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

package deployment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipswitch/shipswitch/pkg/config"
	"github.com/shipswitch/shipswitch/pkg/environment"
	"github.com/shipswitch/shipswitch/pkg/healthgate"
	"github.com/shipswitch/shipswitch/pkg/revision"
	"github.com/shipswitch/shipswitch/pkg/trafficrouter"
)

const (
	blueTG  = "arn:aws:elasticloadbalancing:us-west-2:123456789012:targetgroup/blue/1"
	greenTG = "arn:aws:elasticloadbalancing:us-west-2:123456789012:targetgroup/green/1"
)

type fakeMaterializer struct {
	mu             sync.Mutex
	materializeErr error
	created        []*environment.Environment
	tornDown       []string
}

func (f *fakeMaterializer) Materialize(ctx context.Context, rev *revision.Revision, targetGroupArn string) (*environment.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.materializeErr != nil {
		return nil, f.materializeErr
	}
	env := &environment.Environment{
		ServiceName:    rev.Service + "-" + rev.ID[:8],
		TargetGroupArn: targetGroupArn,
		CreatedAt:      time.Now(),
	}
	f.created = append(f.created, env)
	return env, nil
}

func (f *fakeMaterializer) Teardown(ctx context.Context, env *environment.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, env.ServiceName)
	return nil
}

func (f *fakeMaterializer) tornDownServices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tornDown...)
}

type fakeRouter struct {
	mu      sync.Mutex
	state   trafficrouter.State
	swapErr error
	swapped []string
}

func (f *fakeRouter) Swap(ctx context.Context, newTargetGroup string) (trafficrouter.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swapErr != nil {
		return trafficrouter.State{}, f.swapErr
	}
	f.swapped = append(f.swapped, newTargetGroup)
	f.state.Production.TargetGroupArn, f.state.Test.TargetGroupArn =
		newTargetGroup, f.state.Production.TargetGroupArn
	f.state.LastSwapAt = time.Now()
	return f.state, nil
}

func (f *fakeRouter) State() trafficrouter.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRouter) swaps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.swapped...)
}

type proberFunc func(ctx context.Context) error

func (f proberFunc) Probe(ctx context.Context) error { return f(ctx) }

func passingProber(string) healthgate.Prober {
	return proberFunc(func(context.Context) error { return nil })
}

func failingProber(string) healthgate.Prober {
	return proberFunc(func(context.Context) error { return errors.New("refused") })
}

func testControllerConfig() *config.Config {
	return &config.Config{
		Cluster: "prod",
		Service: "orders",
		App:     config.AppConfig{Container: "app", Image: "example/orders:42", DesiredCount: 1},
		Traffic: config.TrafficConfig{
			Production: config.BindingConfig{RuleArn: "rp", TargetGroupArn: blueTG},
			Test:       config.BindingConfig{RuleArn: "rt", TargetGroupArn: greenTG},
		},
		Deploy: config.DeployConfig{
			BakeTime:   config.Duration{Duration: 150 * time.Millisecond},
			DrainGrace: config.Duration{Duration: 10 * time.Millisecond},
			HealthGate: config.HealthGateConfig{
				Interval:         config.Duration{Duration: 10 * time.Millisecond},
				Timeout:          config.Duration{Duration: 5 * time.Millisecond},
				Retries:          2,
				FailureThreshold: 2,
			},
		},
	}
}

type harness struct {
	controller   *Controller
	store        *Store
	materializer *fakeMaterializer
	router       *fakeRouter
	cfg          *config.Config
}

func newHarness(t *testing.T, probers ProberFactory) *harness {
	t.Helper()
	cfg := testControllerConfig()
	store := NewStore(10)
	m := &fakeMaterializer{}
	r := &fakeRouter{state: trafficrouter.State{
		Production: trafficrouter.Binding{RuleArn: "rp", TargetGroupArn: blueTG},
		Test:       trafficrouter.Binding{RuleArn: "rt", TargetGroupArn: greenTG},
	}}
	return &harness{
		controller:   NewController(cfg, store, m, r, probers, nil),
		store:        store,
		materializer: m,
		router:       r,
		cfg:          cfg,
	}
}

func mustRevision(t *testing.T, cfg *config.Config) *revision.Revision {
	t.Helper()
	rev, err := revision.New(cfg)
	require.NoError(t, err)
	return rev
}

func waitForStatus(t *testing.T, s *Store, id string, want Status) Attempt {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if attempt, ok := s.Get(id); ok && attempt.Status == want {
			return attempt
		}
		time.Sleep(5 * time.Millisecond)
	}
	attempt, _ := s.Get(id)
	t.Fatalf("attempt %s never reached %s (last: %s, reason: %s)", id, want, attempt.Status, attempt.Reason)
	return Attempt{}
}

func TestHealthyCandidateIsPromoted(t *testing.T) {
	h := newHarness(t, passingProber)

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()

	attempt, ok := h.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPromoted, attempt.Status)
	assert.False(t, attempt.FinishedAt.IsZero())

	swaps := h.router.swaps()
	require.Len(t, swaps, 1)
	assert.Equal(t, greenTG, swaps[0])
	assert.Equal(t, greenTG, h.router.State().Production.TargetGroupArn)

	// first promotion has nothing to drain
	assert.Nil(t, attempt.Superseded)
	assert.Empty(t, h.materializer.tornDownServices())
}

func TestBreakerRollsBackBeforeDeadline(t *testing.T) {
	h := newHarness(t, failingProber)
	h.cfg.Deploy.BakeTime = config.Duration{Duration: 10 * time.Second}

	start := time.Now()
	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()
	elapsed := time.Since(start)

	attempt, _ := h.store.Get(id)
	assert.Equal(t, StatusRolledBack, attempt.Status)
	assert.Contains(t, attempt.Reason, "circuit breaker")
	assert.Less(t, elapsed, 5*time.Second, "breaker must fire long before the bake deadline")

	// production was never touched; only the candidate was torn down
	assert.Empty(t, h.router.swaps())
	assert.Equal(t, blueTG, h.router.State().Production.TargetGroupArn)
	require.Len(t, h.materializer.tornDownServices(), 1)
}

func TestUnhealthyAtDeadlineRollsBack(t *testing.T) {
	// probes neither fail enough to trip the breaker nor pass: alternate
	var n atomic.Int64
	flapping := func(string) healthgate.Prober {
		return proberFunc(func(context.Context) error {
			if n.Add(1)%2 == 0 {
				return errors.New("flap")
			}
			return nil
		})
	}
	h := newHarness(t, flapping)
	h.cfg.Deploy.HealthGate.Retries = 50 // unreachable within the bake window

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()

	attempt, _ := h.store.Get(id)
	assert.Equal(t, StatusRolledBack, attempt.Status)
	assert.Contains(t, attempt.Reason, "health gate")
	assert.Empty(t, h.router.swaps())
}

func TestProvisioningFailureRollsBack(t *testing.T) {
	h := newHarness(t, passingProber)
	h.materializer.materializeErr = errors.New("task definition rejected")

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()

	attempt, _ := h.store.Get(id)
	assert.Equal(t, StatusRolledBack, attempt.Status)
	assert.Contains(t, attempt.Reason, "provisioning failed")
	assert.Empty(t, h.router.swaps())
	assert.Empty(t, h.materializer.tornDownServices(), "no candidate exists to tear down")
}

func TestSwapFailureRollsBack(t *testing.T) {
	h := newHarness(t, passingProber)
	h.router.swapErr = trafficrouter.ErrSwapConflict

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()

	attempt, _ := h.store.Get(id)
	assert.Equal(t, StatusRolledBack, attempt.Status)
	assert.Contains(t, attempt.Reason, "swap failed")
	require.Len(t, h.materializer.tornDownServices(), 1)
}

func TestSubmitSingleFlight(t *testing.T) {
	h := newHarness(t, passingProber)
	h.cfg.Deploy.BakeTime = config.Duration{Duration: 10 * time.Second}

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)

	_, err = h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	assert.ErrorIs(t, err, ErrDeploymentInFlight)

	require.NoError(t, h.controller.Abort(context.Background(), id))
	h.controller.Wait()
}

func TestAbortDuringBake(t *testing.T) {
	h := newHarness(t, passingProber)
	h.cfg.Deploy.BakeTime = config.Duration{Duration: 10 * time.Second}

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	waitForStatus(t, h.store, id, StatusBaking)

	require.NoError(t, h.controller.Abort(context.Background(), id))
	h.controller.Wait()

	attempt, _ := h.store.Get(id)
	assert.Equal(t, StatusAborted, attempt.Status)
	assert.Empty(t, h.router.swaps())
	require.Len(t, h.materializer.tornDownServices(), 1)
}

func TestConcurrentAbortsRollBackOnce(t *testing.T) {
	h := newHarness(t, passingProber)
	h.cfg.Deploy.BakeTime = config.Duration{Duration: 10 * time.Second}

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	waitForStatus(t, h.store, id, StatusBaking)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.controller.Abort(context.Background(), id))
		}()
	}
	wg.Wait()
	h.controller.Wait()

	attempt, _ := h.store.Get(id)
	assert.Equal(t, StatusAborted, attempt.Status)
	require.Len(t, h.materializer.tornDownServices(), 1)
}

func TestAbortAfterPromoteIsNoop(t *testing.T) {
	h := newHarness(t, passingProber)

	id, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()
	waitForStatus(t, h.store, id, StatusPromoted)

	require.NoError(t, h.controller.Abort(context.Background(), id))
	attempt, _ := h.store.Get(id)
	assert.Equal(t, StatusPromoted, attempt.Status)
	assert.Len(t, h.router.swaps(), 1)
}

func TestAbortUnknownAttempt(t *testing.T) {
	h := newHarness(t, passingProber)
	assert.ErrorIs(t, h.controller.Abort(context.Background(), "missing"), ErrAttemptNotFound)
}

func TestSecondPromotionDrainsSuperseded(t *testing.T) {
	h := newHarness(t, passingProber)

	first, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()
	firstAttempt, _ := h.store.Get(first)
	require.Equal(t, StatusPromoted, firstAttempt.Status)

	second, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()

	attempt, _ := h.store.Get(second)
	require.Equal(t, StatusPromoted, attempt.Status)
	require.NotNil(t, attempt.Superseded)
	assert.Equal(t, EnvTerminated, attempt.Superseded.Phase)

	// the first promotion's environment was drained after the second swap
	tornDown := h.materializer.tornDownServices()
	require.Len(t, tornDown, 1)
	assert.Equal(t, attempt.Superseded.ServiceName, tornDown[0])
	assert.Len(t, h.router.swaps(), 2)
}

func TestSubmitBlockedWhileSupersededDrains(t *testing.T) {
	h := newHarness(t, passingProber)
	h.cfg.Deploy.DrainGrace = config.Duration{Duration: 500 * time.Millisecond}

	first, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()
	firstAttempt, _ := h.store.Get(first)
	require.Equal(t, StatusPromoted, firstAttempt.Status)

	second, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	attempt := waitForStatus(t, h.store, second, StatusPromoted)
	require.NotNil(t, attempt.Superseded)
	require.Equal(t, EnvDraining, attempt.Superseded.Phase)

	// the displaced environment still has targets registered in the test
	// target group, so the slot stays claimed
	_, err = h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	assert.ErrorIs(t, err, ErrDeploymentInFlight)

	h.controller.Wait()
	attempt, _ = h.store.Get(second)
	require.Equal(t, EnvTerminated, attempt.Superseded.Phase)

	third, err := h.controller.Submit(context.Background(), mustRevision(t, h.cfg))
	require.NoError(t, err)
	h.controller.Wait()
	thirdAttempt, _ := h.store.Get(third)
	assert.Equal(t, StatusPromoted, thirdAttempt.Status)
}
