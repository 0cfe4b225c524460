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

package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttargettech/active-directory/internal/types"
)

func newReadyRegistry(t *testing.T, plugins ...*fakePlugin) *Registry {
	t.Helper()
	factories := make([]Factory, len(plugins))
	for i, p := range plugins {
		factories[i] = factoryFor(p)
	}
	reg := NewRegistry(newMemStateStore())
	reg.Load(context.Background(), []Source{{Name: "s", Factories: factories}})
	reg.InitializeAll(context.Background())
	return reg
}

func TestDispatcherAppliesReplicationFirstAndMarksApplied(t *testing.T) {
	repl := &fakePlugin{manifest: Manifest{Name: ReplicationName, Description: "d"}}
	other := &fakePlugin{manifest: Manifest{Name: "other", Description: "d", Priority: 10}}
	reg := newReadyRegistry(t, other, repl)

	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{changes: []string{"cn"}}}
	newEntry := types.NewCacheEntry("cn=a")

	failures := d.Apply(context.Background(), "cn=a", newEntry, nil, types.CommandAdd)
	require.Zero(t, failures)
	assert.Equal(t, 1, repl.handleCalls)
	assert.Equal(t, 1, other.handleCalls)
	assert.True(t, newEntry.HasApplied(ReplicationName))
	assert.True(t, newEntry.HasApplied("other"))
}

func TestDispatcherSkipsNotReadyHandlerOutsideInitMode(t *testing.T) {
	notReady := &fakePlugin{manifest: Manifest{Name: "notready", Description: "d"}}
	reg := NewRegistry(newMemStateStore())
	reg.Load(context.Background(), []Source{{Name: "s", Factories: []Factory{factoryFor(notReady)}}})
	// Deliberately skip InitializeAll so the handler stays unready.

	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}
	failures := d.Apply(context.Background(), "cn=a", types.NewCacheEntry("cn=a"), nil, types.CommandAdd)
	assert.Equal(t, 1, failures)
	assert.Zero(t, notReady.handleCalls)
}

func TestDispatcherInitModeIgnoresNotReadyHandler(t *testing.T) {
	notReady := &fakePlugin{manifest: Manifest{Name: "notready", Description: "d"}}
	reg := NewRegistry(newMemStateStore())
	reg.Load(context.Background(), []Source{{Name: "s", Factories: []Factory{factoryFor(notReady)}}})

	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}, InitMode: true}
	failures := d.Apply(context.Background(), "cn=a", types.NewCacheEntry("cn=a"), nil, types.CommandAdd)
	assert.Zero(t, failures)
	assert.Zero(t, notReady.handleCalls)
}

func TestDispatcherSkipsUpToDateHandler(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d", Attributes: []string{"cn"}}}
	reg := newReadyRegistry(t, h)

	oldEntry := types.NewCacheEntry("cn=a")
	oldEntry.MarkApplied("h")
	newEntry := types.NewCacheEntry("cn=a")

	// changes does not intersect h's watched attributes, so the
	// fast-path gate should skip Handle but still mark applied.
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{changes: []string{"sn"}}}
	failures := d.Apply(context.Background(), "cn=a", newEntry, oldEntry, types.CommandModify)
	require.Zero(t, failures)
	assert.Zero(t, h.handleCalls)
	assert.True(t, newEntry.HasApplied("h"))
}

func TestDispatcherReplicationNeverSkipsFastPath(t *testing.T) {
	repl := &fakePlugin{manifest: Manifest{Name: ReplicationName, Description: "d", Attributes: []string{"cn"}}}
	reg := newReadyRegistry(t, repl)

	oldEntry := types.NewCacheEntry("cn=a")
	oldEntry.MarkApplied(ReplicationName)
	newEntry := types.NewCacheEntry("cn=a")

	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{changes: []string{"sn"}}}
	d.Apply(context.Background(), "cn=a", newEntry, oldEntry, types.CommandModify)
	assert.Equal(t, 1, repl.handleCalls)
}

func TestDispatcherFilterGateSkipsNonMatch(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d", Filters: []string{"(cn=x)"}}}
	reg := newReadyRegistry(t, h)

	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{filterResult: false}}
	newEntry := types.NewCacheEntry("cn=a")
	failures := d.Apply(context.Background(), "cn=a", newEntry, nil, types.CommandAdd)
	require.Zero(t, failures)
	assert.Zero(t, h.handleCalls)
	assert.False(t, newEntry.HasApplied("h"))
}

func TestDispatcherPrerunRunsOnlyOnce(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d"}}
	reg := newReadyRegistry(t, h)
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}

	for i := 0; i < 3; i++ {
		newEntry := types.NewCacheEntry("cn=a")
		d.Apply(context.Background(), "cn=a", newEntry, nil, types.CommandAdd)
	}
	assert.Equal(t, 1, h.prerunCalls)
	assert.Equal(t, 3, h.handleCalls)
}

func TestDispatcherModRDNPassesCommand(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d", ModRDN: true}}
	reg := newReadyRegistry(t, h)
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}

	newEntry := types.NewCacheEntry("cn=a")
	d.Apply(context.Background(), "cn=a", newEntry, nil, types.CommandRename)
	assert.Equal(t, types.CommandRename, h.lastCmd)
}

func TestDispatcherHandlerFailureDoesNotMarkApplied(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d"}, handleErr: assertErr}
	reg := newReadyRegistry(t, h)
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}

	newEntry := types.NewCacheEntry("cn=a")
	failures := d.Apply(context.Background(), "cn=a", newEntry, nil, types.CommandAdd)
	assert.Equal(t, 1, failures)
	assert.False(t, newEntry.HasApplied("h"))
}

func TestDispatcherDeleteSkipsHandlerThatNeverApplied(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d"}}
	reg := newReadyRegistry(t, h)
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}

	oldEntry := types.NewCacheEntry("cn=a")
	failures := d.ApplyDelete(context.Background(), "cn=a", oldEntry, types.CommandDelete)
	require.Zero(t, failures)
	assert.Zero(t, h.handleCalls)
}

func TestDispatcherDeleteIsIdempotent(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d"}}
	reg := newReadyRegistry(t, h)
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}

	oldEntry := types.NewCacheEntry("cn=a")
	oldEntry.MarkApplied("h")

	failures := d.ApplyDelete(context.Background(), "cn=a", oldEntry, types.CommandDelete)
	require.Zero(t, failures)
	assert.Equal(t, 1, h.handleCalls)
	assert.False(t, oldEntry.HasApplied("h"))

	// A second delete of the same (now-unapplied) entry is a no-op.
	failures = d.ApplyDelete(context.Background(), "cn=a", oldEntry, types.CommandDelete)
	require.Zero(t, failures)
	assert.Equal(t, 1, h.handleCalls)
}

func TestDispatcherDeleteFailureKeepsAppliedMarker(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d"}, handleErr: assertErr}
	reg := newReadyRegistry(t, h)
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}

	oldEntry := types.NewCacheEntry("cn=a")
	oldEntry.MarkApplied("h")

	failures := d.ApplyDelete(context.Background(), "cn=a", oldEntry, types.CommandDelete)
	assert.Equal(t, 1, failures)
	assert.True(t, oldEntry.HasApplied("h"))
}

func TestDispatcherDeleteHandleEveryDeleteOverridesSkip(t *testing.T) {
	h := &fakePlugin{manifest: Manifest{Name: "h", Description: "d", HandleEveryDelete: true}}
	reg := newReadyRegistry(t, h)
	d := &Dispatcher{Registry: reg, Cache: &fakeCacheOps{}}

	oldEntry := types.NewCacheEntry("cn=a")
	failures := d.ApplyDelete(context.Background(), "cn=a", oldEntry, types.CommandDelete)
	require.Zero(t, failures)
	assert.Equal(t, 1, h.handleCalls)
}
