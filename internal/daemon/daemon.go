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

// Package daemon assembles the collaborators (notifier, LDAP,
// registry, dispatcher, persistence, pump) into a runnable Daemon,
// wired with github.com/google/wire the way the teacher's
// internal/source/logical package wires its Factory.
package daemon

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/pump"
)

// Daemon owns the assembled pump and registry and runs the main loop
// described in §5: single-threaded, cooperatively sequential, no
// background workers.
type Daemon struct {
	Pump     *pump.Pump
	Registry *handler.Registry
}

// Run drives RunOnce in a loop until ctx is cancelled or a fatal
// error occurs. On either exit path it completes the in-flight
// transaction's bookkeeping via postrunAll/freeAll before returning,
// per §5 Cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		d.Registry.PostrunAll(context.Background())
		d.Registry.FreeAll(context.Background())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := d.Pump.RunOnce(ctx); err != nil {
			log.WithError(err).Error("daemon: fatal pump error, stopping")
			return err
		}
	}
}
