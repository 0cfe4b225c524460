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

package examplesink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttargettech/active-directory/internal/types"
)

func TestHandleProjectsAndRemovesRows(t *testing.T) {
	h := New([]string{"mail"})
	ctx := context.Background()

	attrs := map[string]types.AttributeValues{"mail": {[]byte("a@example.com")}}
	require.NoError(t, h.Handle(ctx, "cn=a", attrs, nil, types.CommandAdd))

	rows := h.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "cn=a", rows["cn=a"].DN)

	require.NoError(t, h.Handle(ctx, "cn=a", nil, attrs, types.CommandDelete))
	assert.Empty(t, h.Rows())
}

func TestCleanEmptiesTable(t *testing.T) {
	h := New(nil)
	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, "cn=a", map[string]types.AttributeValues{}, nil, types.CommandAdd))
	require.Len(t, h.Rows(), 1)

	require.NoError(t, h.Clean(ctx))
	assert.Empty(t, h.Rows())
}

func TestManifestRequiresDescription(t *testing.T) {
	h := New([]string{"mail"})
	assert.NotEmpty(t, h.Manifest().Description)
	assert.Equal(t, []string{"mail"}, h.Manifest().Attributes)
}
