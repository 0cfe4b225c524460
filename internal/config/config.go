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

// Package config declares the daemon's flag-bindable configuration,
// grounded on the teacher's internal/source/server/config.go
// Config.Bind(*pflag.FlagSet) / Preflight() pattern.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the user-visible configuration for running the
// replication daemon.
type Config struct {
	// CacheDir roots the handler-state directory and notifier_id file
	// (§6 Persistent files).
	CacheDir string
	// NotifyDir roots the optional outbound transaction journal.
	NotifyDir string
	// JournalEnabled toggles the optional S8 journal write.
	JournalEnabled bool

	// NotifierAddr is the network address of the change notifier.
	NotifierAddr string

	// LDAPServer, LDAPBaseDN, LDAPBindDN, LDAPBindPassword configure the
	// master LDAP connection (§4.3).
	LDAPServer       string
	LDAPBaseDN       string
	LDAPBindDN       string
	LDAPBindPassword string

	// FreeSpaceMiB is listener/freespace: the minimum free space, in
	// MiB, required in CacheDir and the LDAP data directory. ≤0
	// disables the check (§6).
	FreeSpaceMiB int64
	// LDAPDataDir is the second directory the free-space check
	// watches, mirroring check_free_space's {cache_dir, ldap_dir} list.
	LDAPDataDir string

	// LDAPMaxAttempts and NotifierMaxAttempts bound their respective
	// RetryPolicy's attempts (§6 "implementation-defined retry
	// counts... default ≥1").
	LDAPMaxAttempts     int
	NotifierMaxAttempts int
	// MaxBackoff caps the exponential back-off sleep for both
	// policies (§4.1).
	MaxBackoff time.Duration

	// PluginDirs lists the configured plugin directories in load
	// order (§4.5 Loading). In this compile-time re-architecture these
	// name registered Source groups rather than filesystem paths, but
	// the ordering contract is identical.
	PluginDirs []string

	// MetricsAddr is the network address the Prometheus handler binds
	// to, empty disables it.
	MetricsAddr string
}

// Bind registers the daemon's flags on flags, mirroring the teacher's
// Config.Bind.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.CacheDir, "cacheDir", "/var/lib/replicationd/cache",
		"directory holding per-handler state and the last-applied transaction id")
	flags.StringVar(&c.NotifyDir, "notifyDir", "",
		"directory for the optional outbound transaction journal")
	flags.BoolVar(&c.JournalEnabled, "journal", false,
		"write an outbound transaction journal entry before each cursor advance")

	flags.StringVar(&c.NotifierAddr, "notifierAddr", "localhost:6669",
		"network address of the change notifier")

	flags.StringVar(&c.LDAPServer, "ldapServer", "",
		"address of the master LDAP server")
	flags.StringVar(&c.LDAPBaseDN, "ldapBaseDN", "",
		"base DN of the directory to replicate")
	flags.StringVar(&c.LDAPBindDN, "ldapBindDN", "",
		"bind DN used for the master LDAP connection")
	flags.StringVar(&c.LDAPBindPassword, "ldapBindPassword", "",
		"bind password used for the master LDAP connection")
	flags.StringVar(&c.LDAPDataDir, "ldapDataDir", "",
		"second directory watched by the free-space check")

	flags.Int64Var(&c.FreeSpaceMiB, "freespace", 0,
		"minimum required free space in MiB across cacheDir and ldapDataDir; zero disables the check")

	flags.IntVar(&c.LDAPMaxAttempts, "ldapMaxAttempts", 5,
		"maximum attempts for the LDAP retry policy")
	flags.IntVar(&c.NotifierMaxAttempts, "notifierMaxAttempts", 5,
		"maximum attempts for the notifier retry policy")
	flags.DurationVar(&c.MaxBackoff, "maxBackoff", 32*time.Second,
		"maximum back-off sleep between retried attempts")

	flags.StringArrayVar(&c.PluginDirs, "pluginDir", nil,
		"a configured plugin source, may be repeated; load order is preserved")

	flags.StringVar(&c.MetricsAddr, "metricsAddr", ":9100",
		"network address to serve Prometheus metrics on; empty disables it")
}

// Preflight validates the configuration after flags are parsed,
// mirroring the teacher's Config.Preflight.
func (c *Config) Preflight() error {
	if c.CacheDir == "" {
		return errors.New("cacheDir unset")
	}
	if c.JournalEnabled && c.NotifyDir == "" {
		return errors.New("journal enabled but notifyDir unset")
	}
	if c.NotifierAddr == "" {
		return errors.New("notifierAddr unset")
	}
	if c.LDAPServer == "" {
		return errors.New("ldapServer unset")
	}
	if c.LDAPBaseDN == "" {
		return errors.New("ldapBaseDN unset")
	}
	if c.LDAPMaxAttempts < 1 {
		return errors.New("ldapMaxAttempts must be at least 1")
	}
	if c.NotifierMaxAttempts < 1 {
		return errors.New("notifierMaxAttempts must be at least 1")
	}
	if c.MaxBackoff <= 0 {
		return errors.New("maxBackoff must be positive")
	}
	return nil
}

// FreeSpaceDirs builds the directory->threshold map the pump's
// FreeSpaceChecker consumes.
func (c *Config) FreeSpaceDirs() map[string]int64 {
	dirs := map[string]int64{c.CacheDir: c.FreeSpaceMiB}
	if c.LDAPDataDir != "" {
		dirs[c.LDAPDataDir] = c.FreeSpaceMiB
	}
	return dirs
}
