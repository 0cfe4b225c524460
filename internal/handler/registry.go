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
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/types"
	"github.com/smarttargettech/active-directory/internal/util/attrsort"
)

// StateStore persists and restores a handler's state word across
// restarts (§3 HandlerModule.state, §6 persisted files). Implemented
// by the persistence package; kept as an interface here so the
// registry does not need to know the on-disk layout.
type StateStore interface {
	LoadState(ctx context.Context, handlerName string) (types.HandlerState, error)
	SaveState(ctx context.Context, handlerName string, state types.HandlerState) error
}

// Source names one configured plugin directory and the factories
// discovered in it, in load order. In the original deployment this
// was a directory of *.py files; here it is a compile-time list,
// since plugins are registered Go values rather than dynamically
// loaded modules (§9).
type Source struct {
	Name      string
	Factories []Factory
}

// loaded is one handler entry in the registry's priority-ordered
// list.
type loaded struct {
	key      string // registration key: Manifest.Name, or the Source name if that is empty
	plugin   Plugin
	manifest Manifest
	state    types.HandlerState
	prepared bool
}

func (l *loaded) name() string {
	if l.manifest.Name != "" {
		return l.manifest.Name
	}
	return l.key
}

// Registry is the HandlerRegistry of §4.5: priority-ordered loading,
// the replication-first ordering invariant, and broadcast operations.
type Registry struct {
	store StateStore

	mu       sync.Mutex
	handlers []*loaded // kept sorted by non-decreasing priority; ties keep insertion order
}

// NewRegistry returns an empty Registry backed by store for persisted
// handler state.
func NewRegistry(store StateStore) *Registry {
	return &Registry{store: store}
}

// Load iterates each Source in order and attempts to construct every
// factory within it. A failed construction is logged and skipped; it
// never aborts the load (§4.5 Loading).
func (r *Registry) Load(ctx context.Context, sources []Source) {
	for _, src := range sources {
		for i, factory := range src.Factories {
			if err := r.loadOne(ctx, src.Name, i, factory); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"source": src.Name,
					"index":  i,
				}).Warn("handler: failed to load plugin, skipping")
			}
		}
	}
}

func (r *Registry) loadOne(ctx context.Context, sourceName string, index int, factory Factory) error {
	plugin := factory()
	if plugin == nil {
		return errors.New("factory returned nil plugin")
	}
	manifest := plugin.Manifest()
	if manifest.Description == "" {
		return errors.New("handler manifest missing required description")
	}

	key := manifest.Name
	if key == "" {
		key = sourceName
	}
	if len(manifest.Attributes) > 0 {
		manifest.Attributes = attrsort.UniqueStable(append([]string(nil), manifest.Attributes...))
	}

	state := types.HandlerState(0)
	if r.store != nil {
		var err error
		state, err = r.store.LoadState(ctx, key)
		if err != nil {
			log.WithError(err).WithField("handler", key).Warn("handler: failed to load persisted state, starting at zero")
			state = 0
		}
	}

	entry := &loaded{
		key:      key,
		plugin:   plugin,
		manifest: manifest,
		state:    state,
	}

	r.mu.Lock()
	r.insert(entry)
	r.mu.Unlock()
	return nil
}

// insert keeps r.handlers sorted by non-decreasing priority, ties
// keeping insertion order, mirroring insert_handler in handlers.c.
func (r *Registry) insert(entry *loaded) {
	p := entry.manifest.priority()
	idx := len(r.handlers)
	for i, h := range r.handlers {
		if h.manifest.priority() > p {
			idx = i
			break
		}
	}
	r.handlers = append(r.handlers, nil)
	copy(r.handlers[idx+1:], r.handlers[idx:])
	r.handlers[idx] = entry
}

// ForEach visits every handler in priority order.
func (r *Registry) ForEach(fn func(name string, plugin Plugin, manifest Manifest)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handlers {
		fn(h.name(), h.plugin, h.manifest)
	}
}

// ReplicationFirst visits the replication handler (if loaded), then
// every other handler, both in priority order within their group
// (§4.5 Dispatch override, §4.7 "two passes").
func (r *Registry) ReplicationFirst(fn func(name string, plugin Plugin, manifest Manifest)) {
	r.mu.Lock()
	ordered := make([]*loaded, len(r.handlers))
	copy(ordered, r.handlers)
	r.mu.Unlock()

	for _, h := range ordered {
		if h.name() == ReplicationName {
			fn(h.name(), h.plugin, h.manifest)
		}
	}
	for _, h := range ordered {
		if h.name() != ReplicationName {
			fn(h.name(), h.plugin, h.manifest)
		}
	}
}

// broadcastResult counts the handler failures observed across a
// broadcast; only the count is kept, not a severity.
type broadcastResult struct {
	failures int
}

func (b *broadcastResult) note(err error, name, op string) {
	if err == nil {
		return
	}
	b.failures++
	log.WithError(err).WithFields(log.Fields{"handler": name, "op": op}).Error("handler: broadcast call failed")
}

// InitializeAll runs Initialize on every handler in list order,
// continuing past individual failures (§4.5 Broadcasts). The original
// deployment set HANDLER_READY via a separate init-mode control tool,
// external to the running daemon; here, since there is no separate
// tool, a successful Initialize call sets the bit directly so a
// freshly loaded handler with no persisted state becomes dispatchable
// without an out-of-band step.
func (r *Registry) InitializeAll(ctx context.Context) int {
	var res broadcastResult
	r.mu.Lock()
	handlers := make([]*loaded, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		err := h.plugin.Initialize(ctx)
		res.note(err, h.name(), "initialize")
		if err == nil {
			r.mu.Lock()
			h.state |= types.StateReady
			r.mu.Unlock()
		}
	}
	return res.failures
}

// CleanAll runs Clean on every handler in list order.
func (r *Registry) CleanAll(ctx context.Context) int {
	var res broadcastResult
	r.ForEach(func(name string, p Plugin, _ Manifest) {
		res.note(p.Clean(ctx), name, "clean")
	})
	return res.failures
}

// PostrunAll runs Postrun on every currently-prepared handler and
// clears its prepared flag (§3 lifecycle, §4.8 idle maintenance).
func (r *Registry) PostrunAll(ctx context.Context) int {
	var res broadcastResult
	r.mu.Lock()
	prepared := make([]*loaded, 0, len(r.handlers))
	for _, h := range r.handlers {
		if h.prepared {
			prepared = append(prepared, h)
		}
	}
	r.mu.Unlock()

	for _, h := range prepared {
		err := h.plugin.Postrun(ctx)
		res.note(err, h.name(), "postrun")
		r.mu.Lock()
		h.prepared = false
		r.mu.Unlock()
	}
	return res.failures
}

// SetDataAll passes key/value to every handler's SetData (§4.5
// Broadcasts).
func (r *Registry) SetDataAll(ctx context.Context, key, value string) int {
	var res broadcastResult
	r.ForEach(func(name string, p Plugin, _ Manifest) {
		res.note(p.SetData(ctx, key, value), name, "setdata")
	})
	return res.failures
}

// FreeAll persists each handler's state word and, for any handler
// still prepared, runs its Postrun first (shutdown path, §5
// Cancellation).
func (r *Registry) FreeAll(ctx context.Context) int {
	r.PostrunAll(ctx)
	var res broadcastResult
	r.mu.Lock()
	handlers := make([]*loaded, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		if r.store == nil {
			continue
		}
		res.note(r.store.SaveState(ctx, h.name(), h.state), h.name(), "free")
	}
	return res.failures
}

// ensurePrepared runs Prerun exactly once between postruns (§3
// invariant, §4.6 step 4).
func (r *Registry) ensurePrepared(ctx context.Context, h *loaded) error {
	r.mu.Lock()
	already := h.prepared
	r.mu.Unlock()
	if already {
		return nil
	}
	if err := h.plugin.Prerun(ctx); err != nil {
		return errors.Wrap(err, "prerun")
	}
	r.mu.Lock()
	h.prepared = true
	r.mu.Unlock()
	return nil
}
