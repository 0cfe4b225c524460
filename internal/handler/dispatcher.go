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
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/metrics"
	"github.com/smarttargettech/active-directory/internal/types"
)

// errNotReady is returned by the dispatcher when a handler's READY bit
// is not set outside of init mode (§4.6 step 1).
var errNotReady = errors.New("handler not ready")

// CacheOps is the slice of cache.Facade the dispatcher needs. Defined
// at point of use so this package does not import the cache package
// directly.
type CacheOps interface {
	ChangedAttributes(newEntry, oldEntry *types.CacheEntry) []string
	IsModulePresent(entry *types.CacheEntry, name string) bool
	MarkApplied(entry *types.CacheEntry, name string)
	MarkUnapplied(entry *types.CacheEntry, name string)
	FilterMatches(ctx context.Context, filters []string, dn string, entry *types.CacheEntry) (bool, error)
}

// Dispatcher implements the per-change decision tree of §4.6.
type Dispatcher struct {
	Registry *Registry
	Cache    CacheOps
	// InitMode, when true, downgrades a not-ready handler from a
	// failure to a skip (§4.6 step 1).
	InitMode bool
}

// Apply dispatches an add/modify/rename change, running the
// replication handler first and then every other handler in priority
// order (§4.5 Dispatch override). It returns the number of handler
// failures.
func (d *Dispatcher) Apply(
	ctx context.Context, dn string, newEntry, oldEntry *types.CacheEntry, cmd types.Command,
) int {
	changes := d.Cache.ChangedAttributes(newEntry, oldEntry)

	failures := 0
	d.Registry.ReplicationFirst(func(name string, plugin Plugin, manifest Manifest) {
		h := d.find(name)
		if h == nil {
			return
		}
		if err := d.applyOne(ctx, h, dn, newEntry, oldEntry, cmd, changes); err != nil {
			failures++
		}
	})
	return failures
}

func (d *Dispatcher) find(name string) *loaded {
	var found *loaded
	d.Registry.mu.Lock()
	for _, h := range d.Registry.handlers {
		if h.name() == name {
			found = h
			break
		}
	}
	d.Registry.mu.Unlock()
	return found
}

func (d *Dispatcher) applyOne(
	ctx context.Context, h *loaded, dn string, newEntry, oldEntry *types.CacheEntry, cmd types.Command, changes []string,
) error {
	name := h.name()

	// Step 1: readiness gate.
	if !h.state.Ready() {
		if d.InitMode {
			log.WithField("handler", name).Warn("handler not ready, ignoring (init mode)")
			return nil
		}
		log.WithField("handler", name).Warn("handler not ready")
		return errNotReady
	}

	// Step 2: no-op fast path, skipped for replication.
	if name != ReplicationName && d.Cache.IsModulePresent(oldEntry, name) {
		uptodate := changes == nil
		if !uptodate && len(h.manifest.Attributes) > 0 {
			uptodate = !intersects(changes, h.manifest.Attributes)
		}
		if uptodate {
			log.WithField("handler", name).Debug("handler up-to-date, skipping")
			d.Cache.MarkApplied(newEntry, name)
			return nil
		}
	}

	// Step 3: filter gate, skipped for replication.
	if name != ReplicationName && len(h.manifest.Filters) > 0 {
		matched, err := d.Cache.FilterMatches(ctx, h.manifest.Filters, dn, newEntry)
		if err != nil {
			return err
		}
		if !matched {
			log.WithField("handler", name).Debug("filter does not match, skipping")
			return nil
		}
	}

	// Step 4: ensure prepared.
	if err := d.Registry.ensurePrepared(ctx, h); err != nil {
		return err
	}

	// Steps 5-6: build arguments and invoke.
	newDict, oldDict := newEntry.Dict(), oldEntry.Dict()
	callCmd := types.CommandUnknown
	if h.manifest.ModRDN {
		callCmd = cmd
	}
	start := time.Now()
	err := h.plugin.Handle(ctx, dn, newDict, oldDict, callCmd)
	metrics.HandlerDurations.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.HandlerInvocationsTotal.WithLabelValues(name).Inc()
	if err != nil {
		metrics.HandlerFailuresTotal.WithLabelValues(name).Inc()
		log.WithError(err).WithField("handler", name).Warn("handler failed")
		return err
	}

	d.Cache.MarkApplied(newEntry, name)
	return nil
}

// ApplyDelete dispatches a delete. newEntry is always nil; a handler
// is invoked unless it never applied the prior revision (and isn't
// replication and doesn't opt into handle-every-delete). On success
// the applied marker is removed so the semantics stay idempotent on
// a second delete of an already-absent entry (§4.6 Delete path,
// §8 Delete idempotence).
func (d *Dispatcher) ApplyDelete(ctx context.Context, dn string, oldEntry *types.CacheEntry, cmd types.Command) int {
	failures := 0
	d.Registry.ReplicationFirst(func(name string, plugin Plugin, manifest Manifest) {
		h := d.find(name)
		if h == nil {
			return
		}
		if err := d.applyOneDelete(ctx, h, dn, oldEntry, cmd); err != nil {
			failures++
		}
	})
	return failures
}

func (d *Dispatcher) applyOneDelete(ctx context.Context, h *loaded, dn string, oldEntry *types.CacheEntry, cmd types.Command) error {
	name := h.name()

	if !h.state.Ready() {
		if d.InitMode {
			return nil
		}
		return errNotReady
	}

	if !d.Cache.IsModulePresent(oldEntry, name) && name != ReplicationName && !h.manifest.HandleEveryDelete {
		log.WithField("handler", name).Debug("delete handler skipped, never applied")
		return nil
	}

	if err := d.Registry.ensurePrepared(ctx, h); err != nil {
		return err
	}

	oldDict := oldEntry.Dict()
	callCmd := types.CommandUnknown
	if h.manifest.ModRDN {
		callCmd = cmd
	}
	start := time.Now()
	err := h.plugin.Handle(ctx, dn, nil, oldDict, callCmd)
	metrics.HandlerDurations.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.HandlerInvocationsTotal.WithLabelValues(name).Inc()
	if err != nil {
		metrics.HandlerFailuresTotal.WithLabelValues(name).Inc()
		log.WithError(err).WithField("handler", name).Warn("delete handler failed")
		// A handler fault on a delete does not remove its applied
		// marker, ensuring the delete is retried next time (§7).
		return err
	}

	d.Cache.MarkUnapplied(oldEntry, name)
	return nil
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
