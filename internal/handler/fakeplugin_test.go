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
	"errors"

	"github.com/smarttargettech/active-directory/internal/types"
)

// assertErr is a sentinel test failure, distinct from any error the
// production code returns.
var assertErr = errors.New("fakeplugin: injected failure")

// fakePlugin is a minimal, instrumented Plugin for registry/dispatcher
// tests.
type fakePlugin struct {
	manifest Manifest

	initErr   error
	prerunErr error
	handleErr error

	handleCalls  int
	prerunCalls  int
	postrunCalls int
	cleanCalls   int

	lastNew, lastOld map[string]types.AttributeValues
	lastCmd          types.Command
}

var _ Plugin = (*fakePlugin)(nil)

func (f *fakePlugin) Manifest() Manifest { return f.manifest }

func (f *fakePlugin) SetData(ctx context.Context, key, value string) error { return nil }

func (f *fakePlugin) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakePlugin) Clean(ctx context.Context) error {
	f.cleanCalls++
	return nil
}

func (f *fakePlugin) Prerun(ctx context.Context) error {
	f.prerunCalls++
	return f.prerunErr
}

func (f *fakePlugin) Handle(
	ctx context.Context, dn string, newEntry, oldEntry map[string]types.AttributeValues, cmd types.Command,
) error {
	f.handleCalls++
	f.lastNew, f.lastOld, f.lastCmd = newEntry, oldEntry, cmd
	return f.handleErr
}

func (f *fakePlugin) Postrun(ctx context.Context) error {
	f.postrunCalls++
	return nil
}

// fakeCacheOps is a minimal CacheOps for dispatcher tests, independent
// of the cache package's Memcache so this package's tests don't import
// it.
type fakeCacheOps struct {
	changes      []string
	filterResult bool
	filterErr    error
}

func (f *fakeCacheOps) ChangedAttributes(newEntry, oldEntry *types.CacheEntry) []string {
	return f.changes
}

func (f *fakeCacheOps) IsModulePresent(entry *types.CacheEntry, name string) bool {
	return entry.HasApplied(name)
}

func (f *fakeCacheOps) MarkApplied(entry *types.CacheEntry, name string) { entry.MarkApplied(name) }

func (f *fakeCacheOps) MarkUnapplied(entry *types.CacheEntry, name string) { entry.MarkUnapplied(name) }

func (f *fakeCacheOps) FilterMatches(ctx context.Context, filters []string, dn string, entry *types.CacheEntry) (bool, error) {
	return f.filterResult, f.filterErr
}
