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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimpleBackoffGrowsToMax(t *testing.T) {
	backoff := NewSimpleBackoff(time.Second, 10*time.Second, 0, 2)

	assert.Equal(t, time.Second, backoff.Duration())
	assert.Equal(t, 2*time.Second, backoff.Duration())
	assert.Equal(t, 4*time.Second, backoff.Duration())
	assert.Equal(t, 8*time.Second, backoff.Duration())
	assert.Equal(t, 10*time.Second, backoff.Duration())
	assert.Equal(t, 10*time.Second, backoff.Duration())
}

func TestSimpleBackoffReset(t *testing.T) {
	backoff := NewSimpleBackoff(time.Second, 10*time.Second, 0, 2)
	_ = backoff.Duration()
	_ = backoff.Duration()

	backoff.Reset()
	assert.Equal(t, time.Second, backoff.Duration())
}

func TestAddJitterStaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := AddJitter(time.Second, 200*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1200*time.Millisecond)
	}
}

func TestAddJitterZero(t *testing.T) {
	assert.Equal(t, time.Second, AddJitter(time.Second, 0))
}
