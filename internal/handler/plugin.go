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

	"github.com/smarttargettech/active-directory/internal/types"
)

// Plugin is the capability set a handler module exposes. Every method
// is optional in the sense that a plugin may implement it as a no-op;
// only Handle and Manifest carry the "required" obligation from the
// original ABI (handler.handler, handler.description).
type Plugin interface {
	// Manifest returns the plugin's static metadata. It is read once
	// at load time.
	Manifest() Manifest

	// SetData passes a configuration key/value from the daemon to the
	// plugin, mirroring setdata(key, value) in the source.
	SetData(ctx context.Context, key, value string) error

	// Initialize runs once each time Registry.InitializeAll runs, which
	// the daemon does at every start; it is not restricted to an init
	// mode. A successful call marks the handler ready.
	Initialize(ctx context.Context) error

	// Clean runs during a full reload of all handlers.
	Clean(ctx context.Context) error

	// Prerun runs once before the first Handle call since the last
	// Postrun (§3 lifecycle).
	Prerun(ctx context.Context) error

	// Handle applies one change. cmd is only meaningful when the
	// plugin's Manifest().ModRDN is true; it is the empty Command
	// otherwise. newEntry is nil on delete; oldEntry is an empty,
	// non-nil map on add.
	Handle(ctx context.Context, dn string, newEntry, oldEntry map[string]types.AttributeValues, cmd types.Command) error

	// Postrun runs once after the last Handle call in a batch, before
	// the handler goes idle (§3 lifecycle, §4.8).
	Postrun(ctx context.Context) error
}

// Factory constructs a fresh Plugin instance. Registries register
// factories by name so that plugins sharing implementation types
// never alias shared state, mirroring the "every module is imported
// under a different name" guarantee in handlers.c's module_import.
type Factory func() Plugin
