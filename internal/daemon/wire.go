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

//go:build wireinject
// +build wireinject

// This file is consumed by `go run github.com/google/wire/cmd/wire` to
// produce wire_gen.go; the wireinject tag excludes it from normal
// builds, mirroring the teacher's internal/source/mylogical
// injector.go.
package daemon

import (
	"context"

	"github.com/google/wire"

	"github.com/smarttargettech/active-directory/internal/config"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideStore,
	ProvideDurableCache,
	ProvideJournal,
	ProvideNotifierClient,
	ProvideLdapClient,
	ProvidePluginSources,
	ProvideRegistry,
	ProvideDispatcher,
	ProvideNotifierPolicy,
	ProvideLdapPolicy,
	ProvidePump,
	ProvideDaemon,
)

// Start assembles a Daemon from cfg.
func Start(ctx context.Context, cfg *config.Config) (*Daemon, func(), error) {
	panic(wire.Build(Set))
}
