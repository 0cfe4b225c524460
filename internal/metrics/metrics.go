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

// Package metrics declares the Prometheus instrumentation for the
// pump, retry policies, and handler dispatch, grounded on the
// teacher's internal/staging/stage/metrics.go (promauto
// CounterVec/HistogramVec declared as package-level vars, one shared
// latency bucket scheme).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is the shared histogram bucket scheme for all
// durations this package records, matching the teacher's single
// latency-bucket constant reused across every *_duration_seconds
// histogram.
var LatencyBuckets = []float64{.001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5, 10, 30}

// HandlerLabels names a handler on handler-scoped metrics.
var HandlerLabels = []string{"handler"}

var (
	// PumpTransactionDurations measures one full S0-S10 cycle.
	PumpTransactionDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pump_transaction_duration_seconds",
		Help:    "the length of time it took to process one transaction end to end",
		Buckets: LatencyBuckets,
	})
	// PumpTransactionsTotal counts RunOnce cycles that returned without
	// a fatal error, regardless of whether any handler reported a fault
	// or the cursor advanced.
	PumpTransactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pump_transactions_total",
		Help: "the number of pump cycles that ended without a fatal error",
	})
	// PumpFatalTotal counts fatal invariant violations and exhausted
	// retries that caused RunOnce to return a fatal error (§7.6).
	PumpFatalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pump_fatal_total",
		Help: "the number of times the pump returned a fatal error",
	})

	// RetryAttemptsTotal counts every attempt made by a RetryPolicy,
	// labeled by policy name ("ldap", "notifier").
	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "the number of attempts made by a retry policy",
	}, []string{"policy"})
	// RetryReconnectsTotal counts reconnect hook invocations.
	RetryReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_reconnects_total",
		Help: "the number of times a retry policy's reconnect hook ran",
	}, []string{"policy"})

	// HandlerInvocationsTotal counts successful and failed Handle
	// calls, labeled by handler name.
	HandlerInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handler_invocations_total",
		Help: "the number of times a handler's Handle method was invoked",
	}, HandlerLabels)
	// HandlerFailuresTotal counts handler faults (§7.3).
	HandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handler_failures_total",
		Help: "the number of times a handler's Handle method returned an error",
	}, HandlerLabels)
	// HandlerDurations measures one Handle call.
	HandlerDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handler_duration_seconds",
		Help:    "the length of time it took a handler to process one change",
		Buckets: LatencyBuckets,
	}, HandlerLabels)
)
