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

package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/smarttargettech/active-directory/internal/types"
)

// Memcache is a reference Facade implementation backed by a mutex-
// guarded map of scalars and a best-effort LDAP-filter matcher. It is
// not meant to replace a real on-disk cache in production, but it is
// sufficient to drive the end-to-end scenarios in §8 and to back
// small deployments that do not need cross-restart durability beyond
// the MasterCursor value.
type Memcache struct {
	mu      sync.Mutex
	cursor  types.MasterCursor
	scalars map[string]string
	entries map[string]*types.CacheEntry
}

var _ Facade = (*Memcache)(nil)
var _ EntryStore = (*Memcache)(nil)

// New returns an empty Memcache.
func New() *Memcache {
	return &Memcache{scalars: make(map[string]string), entries: make(map[string]*types.CacheEntry)}
}

// GetEntry implements EntryStore.
func (m *Memcache) GetEntry(dn string) (*types.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[dn]
	return e, ok
}

// PutEntry implements EntryStore.
func (m *Memcache) PutEntry(entry *types.CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.DN] = entry
}

// DeleteEntry implements EntryStore.
func (m *Memcache) DeleteEntry(dn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, dn)
}

// ChangedAttributes implements Facade.
//
// A nil oldEntry means there is nothing to diff against (e.g. an add,
// or an incomplete cache); the dispatcher's fast-path gate relies on
// that nil-ness, so it is preserved rather than collapsed into an
// empty slice.
func (m *Memcache) ChangedAttributes(newEntry, oldEntry *types.CacheEntry) []string {
	if oldEntry == nil {
		return nil
	}
	changed := []string{}
	seen := make(map[string]bool)
	for name, oldVals := range oldEntry.Attributes {
		seen[name] = true
		newVals := newEntry.Dict()[name]
		if !equalAttributeValues(oldVals, newVals) {
			changed = append(changed, name)
		}
	}
	for name := range newEntry.Dict() {
		if seen[name] {
			continue
		}
		changed = append(changed, name)
	}
	return changed
}

func equalAttributeValues(a, b types.AttributeValues) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// IsModulePresent implements Facade.
func (m *Memcache) IsModulePresent(entry *types.CacheEntry, name string) bool {
	return entry.HasApplied(name)
}

// MarkApplied implements Facade.
func (m *Memcache) MarkApplied(entry *types.CacheEntry, name string) { entry.MarkApplied(name) }

// MarkUnapplied implements Facade.
func (m *Memcache) MarkUnapplied(entry *types.CacheEntry, name string) { entry.MarkUnapplied(name) }

// UpdateMasterCursor implements Facade.
func (m *Memcache) UpdateMasterCursor(ctx context.Context, cursor types.MasterCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor
	return nil
}

// Cursor returns the last persisted MasterCursor, primarily for
// tests.
func (m *Memcache) Cursor() types.MasterCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// SetScalar implements Facade.
func (m *Memcache) SetScalar(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars[key] = value
	return nil
}

// Scalar returns a previously set scalar, for tests.
func (m *Memcache) Scalar(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.scalars[key]
	return v, ok
}

// FilterMatches implements types.Filterer with a minimal matcher that
// supports the common "(attr=value)" and "(attr=*)" forms used by
// handler filters; a production deployment would delegate this to the
// real LDAP filter evaluator the on-disk cache already embeds.
func (m *Memcache) FilterMatches(ctx context.Context, filters []string, dn string, entry *types.CacheEntry) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	for _, f := range filters {
		if matchesSimpleFilter(f, entry) {
			return true, nil
		}
	}
	return false, nil
}

// matchesSimpleFilter supports "(attr=value)" and "(attr=*)".
func matchesSimpleFilter(filter string, entry *types.CacheEntry) bool {
	f := strings.TrimSpace(filter)
	f = strings.TrimPrefix(f, "(")
	f = strings.TrimSuffix(f, ")")
	parts := strings.SplitN(f, "=", 2)
	if len(parts) != 2 {
		return false
	}
	attr, want := parts[0], parts[1]
	vals := entry.Dict()[attr]
	if want == "*" {
		return len(vals) > 0
	}
	for _, v := range vals {
		if string(v) == want {
			return true
		}
	}
	return false
}
