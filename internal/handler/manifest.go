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

// Package handler defines the handler plugin ABI (§3, §4.5, §4.6), the
// priority-ordered registry that loads and broadcasts across plugins,
// and the per-change dispatcher.
//
// The source dynamically imports Python modules and probes them for
// named attributes (handlers.c:handler_import). A systems language
// cannot do that portably, so plugins here are compile-time Go values
// satisfying the Plugin interface below, registered by name — the
// same re-architecture the design notes (§9) prescribe.
package handler

// ReplicationName is the distinguished handler name that must see
// every change unconditionally and run before all others (§4.5).
const ReplicationName = "replication"

// PriorityDefault is the priority assigned when a plugin's manifest
// does not specify one (§3).
const PriorityDefault = 50.0

// Manifest carries the metadata the original ABI exposed as named
// top-level module attributes: name, description, filter, attributes,
// priority, modrdn, handle_every_delete (§6 Handler ABI). Description
// is the only required field; everything else defaults as documented.
type Manifest struct {
	// Name is the handler's unique identifier and the filename of its
	// persisted state. Defaults to the plugin's registered key if
	// empty.
	Name string
	// Description is required; a plugin without one fails to load
	// (§4.5 Loading).
	Description string
	// Filters, when non-empty, restrict invocation to DN/entry pairs
	// matching at least one filter (§4.6 step 3). handlers_filter()
	// in the source returns no pre-filter (§9 open question 2); this
	// field is evaluated purely inside the dispatcher.
	Filters []string
	// Attributes, when non-empty, name the attributes this handler
	// cares about for the purposes of the fast-path skip (§4.6 step
	// 2).
	Attributes []string
	// Priority orders invocation; lower runs earlier. Ignored for the
	// replication handler, which always runs first (§4.5).
	Priority float64
	// ModRDN requests the 4-tuple call form including the command
	// string (§3, §4.6 step 5).
	ModRDN bool
	// HandleEveryDelete forces invocation on every delete regardless
	// of the prior applied marker (§3, §4.6 delete path).
	HandleEveryDelete bool
}

// priority returns the effective ordering priority. A zero value is
// treated as "unset" and defaults to PriorityDefault; a plugin that
// genuinely wants priority 0 should use a small non-zero value such
// as 0.0001, the same way the bundled replication handler uses 0.1
// rather than exactly zero.
func (m Manifest) priority() float64 {
	if m.Priority == 0 {
		return PriorityDefault
	}
	return m.Priority
}
