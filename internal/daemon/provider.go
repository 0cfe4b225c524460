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

package daemon

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/smarttargettech/active-directory/internal/config"
	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/handler/plugins/examplesink"
	"github.com/smarttargettech/active-directory/internal/handler/plugins/replication"
	"github.com/smarttargettech/active-directory/internal/ldapclient"
	"github.com/smarttargettech/active-directory/internal/notifier"
	"github.com/smarttargettech/active-directory/internal/persistence"
	"github.com/smarttargettech/active-directory/internal/pump"
	"github.com/smarttargettech/active-directory/internal/retry"
	"github.com/smarttargettech/active-directory/internal/types"
)

// ProvideStore constructs the on-disk persistence root (§6 Persistent
// files).
func ProvideStore(cfg *config.Config) *persistence.Store {
	return persistence.NewStore(cfg.CacheDir)
}

// ProvideDurableCache opens the cursor-backed cache.Facade, restoring
// the last-applied transaction id if one was persisted.
func ProvideDurableCache(ctx context.Context, store *persistence.Store) (*persistence.DurableCache, func(), error) {
	dc, err := persistence.NewDurableCache(ctx, store)
	if err != nil {
		return nil, nil, err
	}
	return dc, func() {}, nil
}

// ProvideJournal constructs the optional outbound transaction journal
// (§4.7 S8). A disabled journal is still a valid, harmless value: its
// WriteEntry is a no-op.
func ProvideJournal(cfg *config.Config) *persistence.Journal {
	if !cfg.JournalEnabled {
		return persistence.NewJournal("")
	}
	return persistence.NewJournal(cfg.NotifyDir)
}

// ProvideNotifierClient dials the change notifier over TCP, mirroring
// notifier_connect in the original source.
func ProvideNotifierClient(cfg *config.Config) (*notifier.Client, func(), error) {
	addr := cfg.NotifierAddr
	client := notifier.New(func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
	return client, func() { _ = client.Close() }, nil
}

// ProvideLdapClient constructs the lazily-bound master LDAP connection
// (§4.3).
func ProvideLdapClient(cfg *config.Config) (*ldapclient.Client, func(), error) {
	client := ldapclient.New(ldapclient.Config{
		Server:       cfg.LDAPServer,
		BaseDN:       cfg.LDAPBaseDN,
		BindDN:       cfg.LDAPBindDN,
		BindPassword: cfg.LDAPBindPassword,
	})
	return client, func() { _ = client.UnbindIfIdle(context.Background()) }, nil
}

// pluginCatalog lists every handler Factory this build was compiled
// with, keyed by the Source name a deployment names via --pluginDir.
// Plugins are registered Go values rather than dynamically loaded
// modules (§9), so this map stands in for the original filesystem
// plugin directory scan.
var pluginCatalog = map[string][]handler.Factory{
	"replication": {func() handler.Plugin { return replication.New(nil) }},
	"examplesink": {func() handler.Plugin { return examplesink.New(nil) }},
}

// ProvidePluginSources resolves cfg.PluginDirs against pluginCatalog,
// always placing the replication handler's Source first and including
// it even if the deployment did not name it explicitly, since §4.5
// requires exactly one replication handler to be loaded.
func ProvidePluginSources(cfg *config.Config) []handler.Source {
	sources := []handler.Source{{Name: "replication", Factories: pluginCatalog["replication"]}}
	for _, name := range cfg.PluginDirs {
		if name == "replication" {
			continue
		}
		factories, ok := pluginCatalog[name]
		if !ok {
			continue
		}
		sources = append(sources, handler.Source{Name: name, Factories: factories})
	}
	return sources
}

// ProvideRegistry loads every configured Source into a fresh Registry
// backed by store, then marks every successfully initialized handler
// ready (§4.5 Loading, Open Question decision on HANDLER_READY).
func ProvideRegistry(
	ctx context.Context, store *persistence.Store, sources []handler.Source,
) *handler.Registry {
	reg := handler.NewRegistry(store)
	reg.Load(ctx, sources)
	reg.InitializeAll(ctx)
	return reg
}

// ProvideDispatcher wires the registry and cache into the §4.6
// decision tree.
func ProvideDispatcher(reg *handler.Registry, cache *persistence.DurableCache) *handler.Dispatcher {
	return &handler.Dispatcher{Registry: reg, Cache: cache}
}

// transientClassifier classifies success as Ok, an error marked by
// types.Fatal as Fatal, and any other error as Transient; both
// connection policies share it. Neither the notifier nor the LDAP
// client marks its errors with types.Fatal, so every failed call they
// make is classified Transient.
func transientClassifier[T any](result T, err error) retry.Outcome {
	if err == nil {
		return retry.Ok
	}
	if types.IsFatal(err) {
		return retry.Fatal
	}
	return retry.Transient
}

// ProvideNotifierPolicy builds the bounded-retry wrapper around
// notifier operations (§4.1), reconnecting via Reopen on a transient
// failure.
func ProvideNotifierPolicy(cfg *config.Config, client *notifier.Client) *retry.Policy[notifier.Handle] {
	return &retry.Policy[notifier.Handle]{
		Name:        "notifier",
		MaxAttempts: cfg.NotifierMaxAttempts,
		MaxBackoff:  cfg.MaxBackoff,
		Reconnect:   client.Reopen,
		Classify:    transientClassifier[notifier.Handle],
	}
}

// ProvideLdapPolicy builds the bounded-retry wrapper around the LDAP
// open operation (§4.1), reconnecting by closing and re-binding.
func ProvideLdapPolicy(cfg *config.Config, client *ldapclient.Client) *retry.Policy[struct{}] {
	return &retry.Policy[struct{}]{
		Name:        "ldap",
		MaxAttempts: cfg.LDAPMaxAttempts,
		MaxBackoff:  cfg.MaxBackoff,
		Reconnect: func(ctx context.Context) error {
			if err := client.UnbindIfIdle(ctx); err != nil {
				return errors.Wrap(err, "ldap reconnect: unbind")
			}
			return nil
		},
		Classify: transientClassifier[struct{}],
	}
}

// ProvidePump assembles the TransactionPump from every other
// collaborator.
func ProvidePump(
	cfg *config.Config,
	notifierClient *notifier.Client,
	ldapClient *ldapclient.Client,
	durableCache *persistence.DurableCache,
	reg *handler.Registry,
	dispatcher *handler.Dispatcher,
	journal *persistence.Journal,
	notifierPolicy *retry.Policy[notifier.Handle],
	ldapPolicy *retry.Policy[struct{}],
) *pump.Pump {
	p := pump.New()
	p.Notifier = notifierClient
	p.Ldap = ldapClient
	p.Cache = durableCache
	p.Entries = durableCache
	p.Registry = reg
	p.Dispatcher = dispatcher
	p.Journal = journal
	p.FreeSpace = pump.FreeSpaceChecker{Dirs: cfg.FreeSpaceDirs()}
	p.NotifierPolicy = notifierPolicy
	p.LdapPolicy = ldapPolicy
	return p
}

// ProvideDaemon returns the assembled Daemon.
func ProvideDaemon(p *pump.Pump, reg *handler.Registry) *Daemon {
	return &Daemon{Pump: p, Registry: reg}
}
