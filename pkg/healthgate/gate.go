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

// Package healthgate probes a candidate environment on a fixed interval and
// debounces the results. A gate reports healthy only after enough consecutive
// passes, and trips its circuit breaker after enough consecutive failures.
// Probe results inside the grace window count toward health but never toward
// the breaker.
package healthgate

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shipswitch/shipswitch/pkg/utils/logger"
	"github.com/shipswitch/shipswitch/pkg/utils/prometheusmetrics"
	"github.com/shipswitch/shipswitch/pkg/utils/ttime"
)

var log = logger.Get()

// Config tunes one gate. Zero values fall back to the package defaults.
type Config struct {
	// Interval between probe attempts.
	Interval time.Duration
	// Timeout for a single probe attempt.
	Timeout time.Duration
	// Retries is the number of consecutive passes required before the gate
	// reports healthy.
	Retries int
	// StartPeriod is the grace window after Run begins during which failures
	// do not count toward the breaker.
	StartPeriod time.Duration
	// FailureThreshold is the number of consecutive failures, outside the
	// grace window, that trips the breaker. The breaker never resets.
	FailureThreshold int
}

const (
	defaultInterval         = 5 * time.Second
	defaultTimeout          = 2 * time.Second
	defaultRetries          = 3
	defaultFailureThreshold = 3
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = defaultRetries
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	return c
}

// Validate rejects configurations that can never gate anything.
func (c Config) Validate() error {
	if c.Timeout > 0 && c.Interval > 0 && c.Timeout > c.Interval {
		return errors.Errorf("healthgate: probe timeout %s exceeds interval %s", c.Timeout, c.Interval)
	}
	return nil
}

// Prober performs one health check attempt. Implementations must honor the
// context deadline.
type Prober interface {
	Probe(ctx context.Context) error
}

// Gate debounces probe results for one candidate environment.
type Gate struct {
	cfg    Config
	prober Prober
	time   ttime.Time

	mu              sync.Mutex
	started         time.Time
	consecutivePass int
	consecutiveFail int
	healthySince    time.Time
	tripped         bool

	trippedCh chan struct{}
	tripOnce  sync.Once
}

// New builds a Gate. Run must be called before the gate reports anything.
func New(cfg Config, prober Prober) *Gate {
	return &Gate{
		cfg:       cfg.withDefaults(),
		prober:    prober,
		time:      &ttime.DefaultTime{},
		trippedCh: make(chan struct{}),
	}
}

// Run probes until ctx is done or the breaker trips. It always returns nil on
// context cancellation; a tripped breaker is reported through Tripped and
// TrippedCh, not the return value.
func (g *Gate) Run(ctx context.Context) {
	g.mu.Lock()
	g.started = g.time.Now()
	g.mu.Unlock()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		err := g.prober.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if g.record(err == nil) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-g.time.After(g.cfg.Interval):
		}
	}
}

// record folds one probe result into the gate and reports whether the breaker
// tripped. Exposed to tests through Observe.
func (g *Gate) record(pass bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.time.Now()
	if pass {
		prometheusmetrics.HealthChecksTotal.WithLabelValues("pass").Inc()
		g.consecutiveFail = 0
		g.consecutivePass++
		if g.consecutivePass == g.cfg.Retries {
			g.healthySince = now
			log.Debugf("Health gate passed %d consecutive probes", g.consecutivePass)
		}
		return g.tripped
	}

	prometheusmetrics.HealthChecksTotal.WithLabelValues("fail").Inc()
	g.consecutivePass = 0
	g.healthySince = time.Time{}

	// Failures inside the grace window are expected while the environment
	// warms up and do not count toward the breaker.
	if now.Sub(g.started) < g.cfg.StartPeriod {
		return g.tripped
	}

	g.consecutiveFail++
	if !g.tripped && g.consecutiveFail >= g.cfg.FailureThreshold {
		g.tripped = true
		prometheusmetrics.CircuitBreakerTrips.Inc()
		log.Warnf("Health gate circuit breaker tripped after %d consecutive failures", g.consecutiveFail)
		g.tripOnce.Do(func() { close(g.trippedCh) })
	}
	return g.tripped
}

// Observe feeds one externally-obtained probe result into the gate.
func (g *Gate) Observe(pass bool) {
	g.record(pass)
}

// Healthy reports whether the last Retries probes all passed.
func (g *Gate) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.tripped && g.consecutivePass >= g.cfg.Retries
}

// SustainedSince returns when the current healthy streak reached the required
// length, or the zero time if the gate is not healthy.
func (g *Gate) SustainedSince() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consecutivePass < g.cfg.Retries {
		return time.Time{}
	}
	return g.healthySince
}

// Tripped reports whether the breaker has tripped. It never untrips.
func (g *Gate) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// TrippedCh is closed when the breaker trips.
func (g *Gate) TrippedCh() <-chan struct{} {
	return g.trippedCh
}
