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

// Package daemontest assembles a fully wired daemon.Daemon backed by
// fakes instead of a real notifier socket or LDAP bind, the same role
// the teacher's internal/sinktest/all.Fixture plays for a database-
// backed cdc-sink instance.
package daemontest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smarttargettech/active-directory/internal/daemon"
	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/notifier"
	"github.com/smarttargettech/active-directory/internal/persistence"
	"github.com/smarttargettech/active-directory/internal/pump"
	"github.com/smarttargettech/active-directory/internal/retry"
	"github.com/smarttargettech/active-directory/internal/types"
)

// FakeNotifier is a scripted pump.Notifier: GetResult always returns
// whatever Txn currently holds, regardless of the id requested, which
// is enough to drive the pump end to end without a real socket.
type FakeNotifier struct {
	Txn          types.NotifierTransaction
	GetResultErr error
	WaitReadable bool
	WaitErr      error

	RequestedIDs []uint64
}

var _ pump.Notifier = (*FakeNotifier)(nil)

// Reopen implements pump.Notifier.
func (f *FakeNotifier) Reopen(ctx context.Context) error { return nil }

// RequestNextDN implements pump.Notifier.
func (f *FakeNotifier) RequestNextDN(ctx context.Context, id uint64) (notifier.Handle, error) {
	f.RequestedIDs = append(f.RequestedIDs, id)
	return notifier.Handle{}, nil
}

// ResendRequest implements pump.Notifier.
func (f *FakeNotifier) ResendRequest(ctx context.Context, h notifier.Handle, id uint64) error {
	return nil
}

// Alive implements pump.Notifier.
func (f *FakeNotifier) Alive(ctx context.Context) error { return nil }

// Wait implements pump.Notifier.
func (f *FakeNotifier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return f.WaitReadable, f.WaitErr
}

// Poll implements pump.Notifier.
func (f *FakeNotifier) Poll(ctx context.Context, h notifier.Handle, timeout time.Duration) error {
	return nil
}

// GetResult implements pump.Notifier.
func (f *FakeNotifier) GetResult(h notifier.Handle) (types.NotifierTransaction, error) {
	return f.Txn, f.GetResultErr
}

// Close implements pump.Notifier.
func (f *FakeNotifier) Close() error { return nil }

// FakeLdap is a scripted pump.Ldap backed by an in-memory entry table.
type FakeLdap struct {
	Translog func(ctx context.Context, id uint64) (string, types.Command, error)
	Entries  map[string]*types.CacheEntry
}

var _ pump.Ldap = (*FakeLdap)(nil)

// NewFakeLdap returns an empty FakeLdap.
func NewFakeLdap() *FakeLdap { return &FakeLdap{Entries: make(map[string]*types.CacheEntry)} }

// OpenIfClosed implements pump.Ldap.
func (f *FakeLdap) OpenIfClosed(ctx context.Context) error { return nil }

// UnbindIfIdle implements pump.Ldap.
func (f *FakeLdap) UnbindIfIdle(ctx context.Context) error { return nil }

// FetchTranslog implements pump.Ldap.
func (f *FakeLdap) FetchTranslog(ctx context.Context, id uint64) (string, types.Command, error) {
	if f.Translog != nil {
		return f.Translog(ctx, id)
	}
	return "", types.CommandUnknown, types.ErrNoSuchAttribute
}

// FetchEntry implements pump.Ldap.
func (f *FakeLdap) FetchEntry(ctx context.Context, dn string) (*types.CacheEntry, error) {
	return f.Entries[dn], nil
}

// Fixture bundles a fully assembled Daemon with the fakes driving it,
// so a test can script notifier/LDAP behavior and inspect the result
// without a real deployment.
type Fixture struct {
	Daemon   *daemon.Daemon
	Notifier *FakeNotifier
	Ldap     *FakeLdap
	Registry *handler.Registry
	Store    *persistence.Store
}

// NewFixture assembles a Fixture backed by a temp-dir Store and the
// given handler factories, all pre-initialized and marked ready.
func NewFixture(t *testing.T, factories ...handler.Factory) *Fixture {
	t.Helper()
	ctx := context.Background()

	store := persistence.NewStore(t.TempDir())
	reg := handler.NewRegistry(store)
	if len(factories) > 0 {
		reg.Load(ctx, []handler.Source{{Name: "test", Factories: factories}})
	}
	reg.InitializeAll(ctx)

	durable, err := persistence.NewDurableCache(ctx, store)
	require.NoError(t, err)

	n := &FakeNotifier{WaitReadable: true}
	l := NewFakeLdap()

	p := pump.New()
	p.Notifier = n
	p.Ldap = l
	p.Cache = durable
	p.Entries = durable
	p.Registry = reg
	p.Dispatcher = &handler.Dispatcher{Registry: reg, Cache: durable}
	p.Journal = persistence.NewJournal("")
	p.FreeSpace = pump.FreeSpaceChecker{}
	p.NotifierPolicy = &retry.Policy[notifier.Handle]{
		Name: "notifier", MaxAttempts: 1, Classify: okUnlessError[notifier.Handle], Sleep: noSleep,
	}
	p.LdapPolicy = &retry.Policy[struct{}]{
		Name: "ldap", MaxAttempts: 1, Classify: okUnlessError[struct{}], Sleep: noSleep,
	}

	return &Fixture{
		Daemon:   &daemon.Daemon{Pump: p, Registry: reg},
		Notifier: n,
		Ldap:     l,
		Registry: reg,
		Store:    store,
	}
}

func noSleep(ctx context.Context, d time.Duration) {}

func okUnlessError[T any](result T, err error) retry.Outcome {
	if err != nil {
		return retry.Fatal
	}
	return retry.Ok
}
