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

// Package deployment drives a blue/green attempt from submission to a
// terminal state: materialize the candidate on the idle target group, bake it
// behind the test binding, and either promote it with one atomic traffic swap
// or roll it back without ever touching production.
package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/google/uuid"

	"github.com/shipswitch/shipswitch/pkg/config"
	"github.com/shipswitch/shipswitch/pkg/environment"
	"github.com/shipswitch/shipswitch/pkg/healthgate"
	"github.com/shipswitch/shipswitch/pkg/publisher"
	"github.com/shipswitch/shipswitch/pkg/revision"
	"github.com/shipswitch/shipswitch/pkg/trafficrouter"
	"github.com/shipswitch/shipswitch/pkg/utils/logger"
	"github.com/shipswitch/shipswitch/pkg/utils/prometheusmetrics"
	"github.com/shipswitch/shipswitch/pkg/utils/ttime"
)

var log = logger.Get()

// Materializer is the environment surface the controller drives.
type Materializer interface {
	Materialize(ctx context.Context, rev *revision.Revision, targetGroupArn string) (*environment.Environment, error)
	Teardown(ctx context.Context, env *environment.Environment) error
}

// Router is the traffic surface the controller drives.
type Router interface {
	Swap(ctx context.Context, newTargetGroup string) (trafficrouter.State, error)
	State() trafficrouter.State
}

// ProberFactory builds the health probe for a candidate fronted by the given
// target group.
type ProberFactory func(targetGroupArn string) healthgate.Prober

// Controller owns the attempt lifecycle for one service.
type Controller struct {
	cfg          *config.Config
	store        *Store
	materializer Materializer
	router       Router
	probers      ProberFactory
	publisher    publisher.Publisher
	time         ttime.Time

	mu sync.Mutex
	// abortCh belongs to the attempt named by abortID; aborted latches once
	// the channel is closed so concurrent aborts cannot close it twice.
	abortCh chan struct{}
	abortID string
	aborted bool
	// prodEnv is the environment this controller previously promoted, still
	// serving production. Nil until the first promotion; environments created
	// out-of-band are never torn down.
	prodEnv *environment.Environment

	wg sync.WaitGroup
}

// NewController wires the controller. publisher may be nil.
func NewController(cfg *config.Config, store *Store, m Materializer, r Router, probers ProberFactory, pub publisher.Publisher) *Controller {
	return &Controller{
		cfg:          cfg,
		store:        store,
		materializer: m,
		router:       r,
		probers:      probers,
		publisher:    pub,
		time:         &ttime.DefaultTime{},
	}
}

// Submit validates the revision, claims the single-flight slot and starts the
// attempt in the background. It returns the attempt ID immediately.
func (c *Controller) Submit(ctx context.Context, rev *revision.Revision) (string, error) {
	attempt := Attempt{
		ID:         uuid.NewString(),
		RevisionID: rev.ID,
		Service:    rev.Service,
		Status:     StatusProvisioning,
		StartedAt:  c.time.Now().UTC(),
	}
	if err := c.store.Begin(attempt); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.abortCh = make(chan struct{})
	c.abortID = attempt.ID
	c.aborted = false
	abortCh := c.abortCh
	c.mu.Unlock()

	log.Infof("Attempt %s accepted for revision %s", attempt.ID, rev.ID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(attempt.ID, rev, abortCh)
	}()
	return attempt.ID, nil
}

// Abort forces a rollback of a non-terminal attempt. Aborting a promoted or
// otherwise terminal attempt is a no-op.
func (c *Controller) Abort(ctx context.Context, attemptID string) error {
	attempt, ok := c.store.Get(attemptID)
	if !ok {
		return ErrAttemptNotFound
	}
	if attempt.Status.Terminal() {
		log.Infof("Abort of attempt %s ignored: already %s", attemptID, attempt.Status)
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortID == attemptID && !c.aborted {
		c.aborted = true
		close(c.abortCh)
	}
	return nil
}

// Wait blocks until all background attempt goroutines have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// run is the attempt state machine. It always leaves the attempt terminal.
func (c *Controller) run(attemptID string, rev *revision.Revision, abortCh <-chan struct{}) {
	ctx := context.Background()
	testTG := c.router.State().Test.TargetGroupArn

	env, err := c.materializer.Materialize(ctx, rev, testTG)
	if err != nil {
		log.Errorf("Attempt %s provisioning failed: %v", attemptID, err)
		c.rollback(ctx, attemptID, env, fmt.Sprintf("provisioning failed: %v", err), StatusRolledBack)
		return
	}
	select {
	case <-abortCh:
		c.rollback(ctx, attemptID, env, "aborted during provisioning", StatusAborted)
		return
	default:
	}

	bakeStart := c.time.Now()
	deadline := bakeStart.Add(c.cfg.Deploy.BakeTime.Duration)
	_ = c.store.Update(attemptID, func(a *Attempt) {
		a.Status = StatusBaking
		a.BakeDeadline = deadline.UTC()
		a.environment = env
	})

	gate := healthgate.New(c.cfg.Deploy.HealthGate.ToGate(), c.probers(testTG))
	gateCtx, stopGate := context.WithCancel(ctx)
	defer stopGate()
	go gate.Run(gateCtx)

	select {
	case <-gate.TrippedCh():
		log.Warnf("Attempt %s: circuit breaker tripped during bake", attemptID)
		c.rollback(ctx, attemptID, env, "circuit breaker tripped", StatusRolledBack)
	case <-abortCh:
		c.rollback(ctx, attemptID, env, "aborted during bake", StatusAborted)
	case <-c.time.After(c.cfg.Deploy.BakeTime.Duration):
		stopGate()
		prometheusmetrics.BakeDuration.Observe(c.time.Now().Sub(bakeStart).Seconds())
		if !gate.Healthy() {
			c.rollback(ctx, attemptID, env, "health gate not sustained at bake deadline", StatusRolledBack)
			return
		}
		c.promote(ctx, attemptID, env, bakeStart)
	}
}

// promote swaps production traffic to the candidate and drains the displaced
// environment. A failed swap rolls the candidate back; production keeps
// serving the old environment.
func (c *Controller) promote(ctx context.Context, attemptID string, env *environment.Environment, bakeStart time.Time) {
	swapStart := c.time.Now()
	state, err := c.router.Swap(ctx, env.TargetGroupArn)
	if err != nil {
		log.Errorf("Attempt %s: swap failed: %v", attemptID, err)
		c.rollback(ctx, attemptID, env, fmt.Sprintf("swap failed: %v", err), StatusRolledBack)
		return
	}
	swapSeconds := c.time.Now().Sub(swapStart).Seconds()

	c.mu.Lock()
	superseded := c.prodEnv
	c.prodEnv = env
	c.mu.Unlock()

	_ = c.store.Update(attemptID, func(a *Attempt) {
		a.Status = StatusPromoted
		a.FinishedAt = c.time.Now().UTC()
		if superseded != nil {
			a.Superseded = &SupersededRecord{ServiceName: superseded.ServiceName, Phase: EnvDraining}
		}
	})
	prometheusmetrics.DeploymentsTotal.WithLabelValues("promoted").Inc()
	c.publish(
		publisher.Datum(publisher.MetricPromotions, 1, cwtypes.StandardUnitCount),
		publisher.Datum(publisher.MetricBakeDuration, c.time.Now().Sub(bakeStart).Seconds(), cwtypes.StandardUnitSeconds),
		publisher.Datum(publisher.MetricSwapLatency, swapSeconds, cwtypes.StandardUnitSeconds),
	)
	log.Infof("Attempt %s promoted; production now %s", attemptID, state.Production.TargetGroupArn)

	if superseded == nil {
		return
	}
	// Keep the displaced environment up through the drain grace so in-flight
	// requests finish against it.
	c.time.Sleep(c.cfg.Deploy.DrainGrace.Duration)
	if err := c.materializer.Teardown(ctx, superseded); err != nil {
		log.Errorf("Attempt %s: teardown of superseded %s failed: %v", attemptID, superseded.ServiceName, err)
		return
	}
	_ = c.store.Update(attemptID, func(a *Attempt) {
		a.Superseded.Phase = EnvTerminated
	})
}

// rollback tears down the candidate only. It is safe to call with a nil
// environment and safe to call more than once.
func (c *Controller) rollback(ctx context.Context, attemptID string, env *environment.Environment, reason string, status Status) {
	if env != nil {
		if err := c.materializer.Teardown(ctx, env); err != nil {
			log.Errorf("Attempt %s: candidate teardown failed (will stay %s): %v", attemptID, status, err)
		}
	}
	_ = c.store.Update(attemptID, func(a *Attempt) {
		a.Status = status
		a.Reason = reason
		a.FinishedAt = c.time.Now().UTC()
	})
	outcome := "rolled_back"
	metric := publisher.MetricRollbacks
	if status == StatusAborted {
		outcome = "aborted"
	}
	prometheusmetrics.DeploymentsTotal.WithLabelValues(outcome).Inc()
	c.publish(publisher.Datum(metric, 1, cwtypes.StandardUnitCount))
	log.Warnf("Attempt %s %s: %s", attemptID, status, reason)
}

func (c *Controller) publish(data ...cwtypes.MetricDatum) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(data...)
}

// TrafficState exposes the router snapshot for the introspection API.
func (c *Controller) TrafficState() trafficrouter.State {
	return c.router.State()
}
