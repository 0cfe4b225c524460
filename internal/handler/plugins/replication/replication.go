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

// Package replication is the distinguished "replication" handler
// (§4.5): the one handler every deployment must load, which sees
// every change unconditionally and runs before all others. It forwards
// each change to a pluggable Sink rather than hard-coding a downstream
// system, the way the teacher's deleted SQL sink hard-coded Redshift —
// the generic handler.Plugin ABI lets a deployment supply whichever
// downstream this adapts to.
package replication

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/types"
)

// Sink receives the fully-resolved form of every change the
// replication handler sees.
type Sink interface {
	Apply(ctx context.Context, dn string, newEntry, oldEntry map[string]types.AttributeValues, cmd types.Command) error
}

// LogSink is a Sink that only logs; it is the default used when no
// real downstream is configured, useful for dry runs and tests.
type LogSink struct{}

// Apply implements Sink.
func (LogSink) Apply(ctx context.Context, dn string, newEntry, oldEntry map[string]types.AttributeValues, cmd types.Command) error {
	log.WithFields(log.Fields{"dn": dn, "cmd": cmd.String()}).Debug("replication: change observed")
	return nil
}

// Handler is the replication handler implementation.
type Handler struct {
	Sink Sink
}

var _ handler.Plugin = (*Handler)(nil)

// New returns a replication Handler using sink, or LogSink if sink is
// nil.
func New(sink Sink) *Handler {
	if sink == nil {
		sink = LogSink{}
	}
	return &Handler{Sink: sink}
}

// Manifest implements handler.Plugin. Name must be "replication" for
// the registry to recognize it as the distinguished handler (§4.5);
// Priority is irrelevant since the registry always dispatches it
// first regardless of ordering, but a low value is set anyway so
// forEach-based diagnostics (e.g. metrics dashboards sorted by
// priority) still show it first.
func (h *Handler) Manifest() handler.Manifest {
	return handler.Manifest{
		Name:        handler.ReplicationName,
		Description: "forwards every directory change to the configured replication sink",
		Priority:    0.1,
		ModRDN:      true,
	}
}

// SetData implements handler.Plugin; the replication handler has no
// configurable keys of its own.
func (h *Handler) SetData(ctx context.Context, key, value string) error { return nil }

// Initialize implements handler.Plugin.
func (h *Handler) Initialize(ctx context.Context) error { return nil }

// Clean implements handler.Plugin.
func (h *Handler) Clean(ctx context.Context) error { return nil }

// Prerun implements handler.Plugin.
func (h *Handler) Prerun(ctx context.Context) error { return nil }

// Handle implements handler.Plugin by forwarding to the Sink.
func (h *Handler) Handle(
	ctx context.Context, dn string, newEntry, oldEntry map[string]types.AttributeValues, cmd types.Command,
) error {
	return h.Sink.Apply(ctx, dn, newEntry, oldEntry, cmd)
}

// Postrun implements handler.Plugin.
func (h *Handler) Postrun(ctx context.Context) error { return nil }
