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

package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff yields successive wait durations between retries.
type Backoff interface {
	Reset()
	Duration() time.Duration
}

// SimpleBackoff grows geometrically from min to max with additive jitter.
// Jitter is only ever added, so a yielded duration can exceed max by up to
// max*jitterMultiple.
type SimpleBackoff struct {
	mu             sync.Mutex
	current        time.Duration
	start          time.Duration
	max            time.Duration
	jitterMultiple float64
	multiple       float64
}

// NewSimpleBackoff builds a SimpleBackoff ranging from min to max, multiplied
// by `multiple` per call, with up to jitterMultiple (0.15 = 15%) added jitter.
func NewSimpleBackoff(min, max time.Duration, jitterMultiple, multiple float64) *SimpleBackoff {
	return &SimpleBackoff{
		start:          min,
		current:        min,
		max:            max,
		jitterMultiple: jitterMultiple,
		multiple:       multiple,
	}
}

// Duration returns the next wait and advances the backoff.
func (sb *SimpleBackoff) Duration() time.Duration {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	d := sb.current
	next := float64(sb.current) * sb.multiple
	sb.current = time.Duration(math.Min(float64(sb.max), next))
	return AddJitter(d, time.Duration(float64(d)*sb.jitterMultiple))
}

// Reset rewinds the backoff to its starting duration.
func (sb *SimpleBackoff) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.current = sb.start
}

// AddJitter adds a random amount between 0 and jitter to duration.
func AddJitter(duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return duration
	}
	return duration + time.Duration(rand.Int63n(int64(jitter)))
}
