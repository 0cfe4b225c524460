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

package persistence

import (
	"context"

	"github.com/smarttargettech/active-directory/internal/cache"
	"github.com/smarttargettech/active-directory/internal/types"
)

// DurableCache wraps an in-memory cache.Memcache with the Store's
// on-disk cursor/scalar backing, so CacheFacade.UpdateMasterCursor and
// SetScalar survive a restart (§6, notifier_id persistence) while
// everything else about the entry cache stays the external
// collaborator the core treats it as (§1).
type DurableCache struct {
	*cache.Memcache
	store *Store
}

var _ cache.Facade = (*DurableCache)(nil)

// NewDurableCache loads the last-persisted cursor from store into a
// fresh Memcache and returns a DurableCache wrapping both.
func NewDurableCache(ctx context.Context, store *Store) (*DurableCache, error) {
	cursor, err := store.LoadCursor(ctx)
	if err != nil {
		return nil, err
	}
	mc := cache.New()
	if err := mc.UpdateMasterCursor(ctx, cursor); err != nil {
		return nil, err
	}
	return &DurableCache{Memcache: mc, store: store}, nil
}

// UpdateMasterCursor persists cursor before updating the in-memory
// copy, so a crash between the two never reports a cursor the disk
// disagrees with.
func (d *DurableCache) UpdateMasterCursor(ctx context.Context, cursor types.MasterCursor) error {
	if err := d.store.SaveCursor(ctx, cursor); err != nil {
		return err
	}
	return d.Memcache.UpdateMasterCursor(ctx, cursor)
}

// SetScalar persists key/value before updating the in-memory copy.
func (d *DurableCache) SetScalar(ctx context.Context, key, value string) error {
	if err := d.store.SaveScalar(ctx, key, value); err != nil {
		return err
	}
	return d.Memcache.SetScalar(ctx, key, value)
}
