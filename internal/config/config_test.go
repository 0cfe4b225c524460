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

package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bind(t *testing.T, args ...string) *Config {
	t.Helper()
	cfg := &Config{}
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.Bind(flags)
	require.NoError(t, flags.Parse(args))
	return cfg
}

func TestBindAppliesDefaults(t *testing.T) {
	cfg := bind(t)
	assert.Equal(t, "/var/lib/replicationd/cache", cfg.CacheDir)
	assert.Equal(t, "localhost:6669", cfg.NotifierAddr)
	assert.Equal(t, 5, cfg.LDAPMaxAttempts)
	assert.Equal(t, int64(0), cfg.FreeSpaceMiB)
}

func TestBindOverridesFromFlags(t *testing.T) {
	cfg := bind(t,
		"--cacheDir=/tmp/cache",
		"--ldapServer=ldap.example.com",
		"--ldapBaseDN=dc=example,dc=com",
		"--pluginDir=replication",
		"--pluginDir=examplesink",
	)
	assert.Equal(t, "/tmp/cache", cfg.CacheDir)
	assert.Equal(t, "ldap.example.com", cfg.LDAPServer)
	assert.Equal(t, []string{"replication", "examplesink"}, cfg.PluginDirs)
}

func TestPreflightRejectsMissingRequiredFields(t *testing.T) {
	cfg := bind(t)
	err := cfg.Preflight()
	assert.Error(t, err)
}

func TestPreflightAcceptsMinimalValidConfig(t *testing.T) {
	cfg := bind(t,
		"--ldapServer=ldap.example.com",
		"--ldapBaseDN=dc=example,dc=com",
	)
	assert.NoError(t, cfg.Preflight())
}

func TestPreflightRejectsNonPositiveMaxBackoff(t *testing.T) {
	cfg := bind(t,
		"--ldapServer=ldap.example.com",
		"--ldapBaseDN=dc=example,dc=com",
		"--maxBackoff=0s",
	)
	assert.Error(t, cfg.Preflight())
}

func TestFreeSpaceDirsIncludesLdapDataDirWhenSet(t *testing.T) {
	cfg := bind(t,
		"--ldapServer=x",
		"--ldapBaseDN=x",
		"--cacheDir=/cache",
		"--ldapDataDir=/ldapdata",
		"--freespace=100",
	)
	dirs := cfg.FreeSpaceDirs()
	assert.Equal(t, int64(100), dirs["/cache"])
	assert.Equal(t, int64(100), dirs["/ldapdata"])
}

func TestFreeSpaceDirsOmitsLdapDataDirWhenUnset(t *testing.T) {
	cfg := bind(t, "--ldapServer=x", "--ldapBaseDN=x", "--cacheDir=/cache")
	dirs := cfg.FreeSpaceDirs()
	_, ok := dirs["/ldapdata"]
	assert.False(t, ok)
	assert.Len(t, dirs, 1)
}
