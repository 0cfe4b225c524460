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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttargettech/active-directory/internal/types"
)

func TestDisabledJournalNeverTouchesDisk(t *testing.T) {
	j := NewJournal("")
	assert.False(t, j.Enabled())
	require.NoError(t, j.WriteEntry(context.Background(), types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandAdd}))
}

func TestJournalAppendsEntryAndAdvancesIndex(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)
	ctx := context.Background()

	require.NoError(t, j.WriteEntry(ctx, types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandAdd}))
	require.NoError(t, j.WriteEntry(ctx, types.NotifierTransaction{ID: 2, DN: "cn=b", Command: types.CommandModify}))

	data, err := os.ReadFile(filepath.Join(dir, transactionFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1 a cn=a", lines[0])
	assert.Equal(t, "2 m cn=b", lines[1])

	index, err := os.ReadFile(filepath.Join(dir, transactionIndexFile))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(len(data)), strings.TrimSpace(string(index)))
}

func TestStashRoundTrip(t *testing.T) {
	var s StashedOp

	_, ok := s.Take()
	assert.False(t, ok)

	txn := types.NotifierTransaction{ID: 5, DN: "cn=a", Command: types.CommandAdd}
	s.Stash(txn)

	got, ok := s.Take()
	require.True(t, ok)
	assert.Equal(t, txn, got)

	// Take drains the stash; a second call finds nothing.
	_, ok = s.Take()
	assert.False(t, ok)
}
