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

// Package examplesink is a minimal illustrative handler.Plugin: it
// projects every change it is given for a configured attribute filter
// into an in-memory table, the same shape of work the teacher's
// deleted SQL sink (sink.go/resolved_table.go) did against Redshift,
// but expressed through the generic Plugin ABI instead of a bespoke
// warehouse client.
package examplesink

import (
	"context"
	"sync"

	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/types"
)

// Row is one projected entry, keyed by DN.
type Row struct {
	DN         string
	Attributes map[string]types.AttributeValues
	Command    types.Command
}

// Handler projects changes matching Attributes into an in-memory
// table, guarded by a mutex since Rows() may be read from a test
// goroutine while the pump is running.
type Handler struct {
	// Attributes restricts which attribute names trigger projection,
	// the same role Manifest.Attributes plays in the dispatcher's
	// fast-path gate (§4.6 step 2).
	Attributes []string

	mu   sync.Mutex
	rows map[string]Row
}

var _ handler.Plugin = (*Handler)(nil)

// New returns a Handler projecting the given attributes.
func New(attributes []string) *Handler {
	return &Handler{Attributes: attributes, rows: make(map[string]Row)}
}

// Manifest implements handler.Plugin.
func (h *Handler) Manifest() handler.Manifest {
	return handler.Manifest{
		Name:        "examplesink",
		Description: "projects selected attributes into an in-memory table",
		Attributes:  h.Attributes,
		Priority:    100,
	}
}

// SetData implements handler.Plugin; no configurable keys.
func (h *Handler) SetData(ctx context.Context, key, value string) error { return nil }

// Initialize implements handler.Plugin.
func (h *Handler) Initialize(ctx context.Context) error { return nil }

// Clean implements handler.Plugin.
func (h *Handler) Clean(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = make(map[string]Row)
	return nil
}

// Prerun implements handler.Plugin.
func (h *Handler) Prerun(ctx context.Context) error { return nil }

// Handle implements handler.Plugin. A nil newEntry (a delete) removes
// the row.
func (h *Handler) Handle(
	ctx context.Context, dn string, newEntry, oldEntry map[string]types.AttributeValues, cmd types.Command,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if newEntry == nil {
		delete(h.rows, dn)
		return nil
	}
	h.rows[dn] = Row{DN: dn, Attributes: newEntry, Command: cmd}
	return nil
}

// Postrun implements handler.Plugin.
func (h *Handler) Postrun(ctx context.Context) error { return nil }

// Rows returns a snapshot of the projected table, for tests.
func (h *Handler) Rows() map[string]Row {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Row, len(h.rows))
	for k, v := range h.rows {
		out[k] = v
	}
	return out
}
