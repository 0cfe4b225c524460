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

// Package cache defines the thin CacheFacade interface the core
// consumes (§4.4) and a reference in-memory implementation for
// testing and small deployments. The on-disk entry cache itself is an
// external collaborator (§1); this package only owns the contract.
package cache

import (
	"context"

	"github.com/smarttargettech/active-directory/internal/types"
)

// Facade is the CacheFacade of §4.4.
type Facade interface {
	types.Filterer

	// ChangedAttributes returns the names of attributes that differ
	// between newEntry and oldEntry. A nil result (as opposed to an
	// empty, non-nil slice) signals "no diff available", which the
	// dispatcher's fast-path gate treats specially (§4.6 step 2).
	ChangedAttributes(newEntry, oldEntry *types.CacheEntry) []string

	// IsModulePresent reports whether handler name is recorded as
	// having applied entry's current revision.
	IsModulePresent(entry *types.CacheEntry, name string) bool

	// MarkApplied records that handler name has processed entry.
	MarkApplied(entry *types.CacheEntry, name string)

	// MarkUnapplied removes handler name's applied marker from entry.
	MarkUnapplied(entry *types.CacheEntry, name string)

	// UpdateMasterCursor durably persists the last-committed
	// transaction id.
	UpdateMasterCursor(ctx context.Context, cursor types.MasterCursor) error

	// Cursor returns the last cursor value passed to
	// UpdateMasterCursor, the pump's S0 "read lastAppliedId" step.
	Cursor() types.MasterCursor

	// SetScalar stores a single opaque key/value pair, used for
	// ancillary bookkeeping such as the raw notifier_id mirror.
	SetScalar(ctx context.Context, key, value string) error
}

// EntryStore is the DN-keyed snapshot lookup the pump needs to recover
// "old entry" before dispatch. The real on-disk entry cache is an
// external collaborator (§1); this narrow interface is the one corner
// of it the pump must reach, so reference deployments without a full
// cache implementation still have somewhere to keep entries.
type EntryStore interface {
	GetEntry(dn string) (*types.CacheEntry, bool)
	PutEntry(entry *types.CacheEntry)
	DeleteEntry(dn string)
}
