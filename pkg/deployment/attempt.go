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
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shipswitch/shipswitch/pkg/environment"
	"github.com/shipswitch/shipswitch/pkg/utils/prometheusmetrics"
)

// Status is the lifecycle position of a deployment attempt.
type Status string

const (
	StatusProvisioning Status = "PROVISIONING"
	StatusBaking       Status = "BAKING"
	StatusPromoted     Status = "PROMOTED"
	StatusRolledBack   Status = "ROLLED_BACK"
	StatusAborted      Status = "ABORTED"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusPromoted, StatusRolledBack, StatusAborted:
		return true
	}
	return false
}

// EnvPhase tracks the superseded environment after a promotion.
type EnvPhase string

const (
	EnvDraining   EnvPhase = "DRAINING"
	EnvTerminated EnvPhase = "TERMINATED"
)

// SupersededRecord is the displaced production environment of a promoted
// attempt.
type SupersededRecord struct {
	ServiceName string   `json:"serviceName"`
	Phase       EnvPhase `json:"phase"`
}

// Attempt is one deployment attempt. Fields are written only under the
// store's lock; callers receive copies.
type Attempt struct {
	ID           string            `json:"id"`
	RevisionID   string            `json:"revisionId"`
	Service      string            `json:"service"`
	Status       Status            `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	BakeDeadline time.Time         `json:"bakeDeadline,omitempty"`
	FinishedAt   time.Time         `json:"finishedAt,omitempty"`
	Superseded   *SupersededRecord `json:"superseded,omitempty"`
	environment  *environment.Environment
}

// ErrDeploymentInFlight rejects a submission while another attempt is still
// non-terminal. Exactly one attempt may be in flight per service.
var ErrDeploymentInFlight = errors.New("deployment: another attempt is already in flight")

// ErrAttemptNotFound is returned for IDs the store has never seen.
var ErrAttemptNotFound = errors.New("deployment: no such attempt")

// Store holds the in-flight attempt and a bounded history of terminal ones.
// The daemon is the source of truth while it runs; nothing is persisted.
type Store struct {
	mu           sync.Mutex
	current      *Attempt
	history      []Attempt
	historyLimit int
}

// NewStore bounds the retained history at limit terminal attempts.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 50
	}
	return &Store{historyLimit: limit}
}

// Begin claims the single-flight slot for attempt. It fails with
// ErrDeploymentInFlight if a non-terminal attempt is already present, or if
// the last promotion is still draining its superseded environment: the test
// target group is not reusable until the drained targets have deregistered.
func (s *Store) Begin(attempt Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.current.Status.Terminal() {
		return ErrDeploymentInFlight
	}
	if s.current != nil && s.current.Superseded != nil && s.current.Superseded.Phase == EnvDraining {
		return ErrDeploymentInFlight
	}
	if s.current != nil {
		s.pushHistoryLocked(*s.current)
	}
	claimed := attempt
	s.current = &claimed
	prometheusmetrics.DeploymentInFlight.Set(1)
	return nil
}

// Update applies fn to the current attempt under the lock.
func (s *Store) Update(id string, fn func(*Attempt)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != id {
		return ErrAttemptNotFound
	}
	wasTerminal := s.current.Status.Terminal()
	fn(s.current)
	if !wasTerminal && s.current.Status.Terminal() {
		prometheusmetrics.DeploymentInFlight.Set(0)
	}
	return nil
}

// Current returns a copy of the newest attempt, terminal or not.
func (s *Store) Current() (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Attempt{}, false
	}
	return *s.current, true
}

// Get returns a copy of the attempt with the given ID.
func (s *Store) Get(id string) (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.ID == id {
		return *s.current, true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i], true
		}
	}
	return Attempt{}, false
}

// List returns the history plus the current attempt, oldest first.
func (s *Store) List() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Attempt(nil), s.history...)
	if s.current != nil {
		out = append(out, *s.current)
	}
	return out
}

func (s *Store) pushHistoryLocked(attempt Attempt) {
	s.history = append(s.history, attempt)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}
