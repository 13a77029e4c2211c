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

// Package retry is a retry with backoff implementation
package retry

import (
	"context"

	"github.com/shipswitch/shipswitch/pkg/utils/ttime"
)

var _time ttime.Time = &ttime.DefaultTime{}

// WithBackoff calls fn until it returns nil or a non-retriable error,
// sleeping backoff.Duration() between attempts.
func WithBackoff(backoff Backoff, fn func() error) error {
	return WithBackoffCtx(context.Background(), backoff, fn)
}

// WithBackoffCtx is WithBackoff bounded by ctx. A done context stops the
// loop and returns nil.
func WithBackoffCtx(ctx context.Context, backoff Backoff, fn func() error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		err := fn()
		if err == nil {
			return nil
		}
		if retriable, ok := err.(Retriable); ok && !retriable.Retry() {
			return err
		}
		_time.Sleep(backoff.Duration())
	}
}

// NWithBackoff is WithBackoff capped at n attempts. When the attempts are
// exhausted the last error is returned.
func NWithBackoff(backoff Backoff, n int, fn func() error) error {
	return NWithBackoffCtx(context.Background(), backoff, n, fn)
}

// NWithBackoffCtx is WithBackoffCtx capped at n attempts. When the attempts
// are exhausted the last error is returned.
func NWithBackoffCtx(ctx context.Context, backoff Backoff, n int, fn func() error) error {
	var err error
	_ = WithBackoffCtx(ctx, backoff, func() error {
		err = fn()
		if n--; n <= 0 {
			return nil
		}
		return err
	})
	return err
}
