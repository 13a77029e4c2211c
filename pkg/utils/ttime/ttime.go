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

// Package ttime implements a testable alternative to the Go "time" package.
package ttime

import (
	"sync"
	"time"
)

// Time represents an implementation for this package's methods
type Time interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// DefaultTime is a Time that behaves normally
type DefaultTime struct{}

// Now returns the current time
func (*DefaultTime) Now() time.Time {
	return time.Now()
}

// Sleep sleeps for the given duration
func (*DefaultTime) Sleep(d time.Duration) {
	time.Sleep(d)
}

// After waits for the given duration and then writes to the returned channel
func (*DefaultTime) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// TestTime is a deterministic Time for tests. Now returns a manually advanced
// instant, Sleep advances it without blocking, and After fires immediately
// once the clock has been advanced past the duration.
type TestTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestTime returns a TestTime positioned at the given instant.
func NewTestTime(start time.Time) *TestTime {
	return &TestTime{now: start}
}

// Now returns the fake current time
func (t *TestTime) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

// Sleep advances the fake clock without blocking the caller
func (t *TestTime) Sleep(d time.Duration) {
	t.Advance(d)
}

// After advances the fake clock and returns an already-fired channel
func (t *TestTime) After(d time.Duration) <-chan time.Time {
	t.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- t.Now()
	return ch
}

// Advance moves the fake clock forward by d
func (t *TestTime) Advance(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = t.now.Add(d)
}
