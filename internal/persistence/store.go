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

// Package persistence is the durable side of the daemon: per-handler
// state words, the last-committed transaction id, and the optional
// transaction journals described in §6 Persistent files. It is
// grounded on handlers.c's handler_write_state/handler_free (atomic
// write-then-rename of an ASCII decimal state word) and notifier.c's
// cache_update_master_entry/cache_set_int("notifier_id", ...).
package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/types"
)

var _ handler.StateStore = (*Store)(nil)

// cursorFile mirrors <cacheDir>/notifier_id.
const cursorFile = "notifier_id"

// handlersDir mirrors <cacheDir>/handlers/.
const handlersDir = "handlers"

// scalarsDir holds miscellaneous key/value bookkeeping such as the
// notifier_id mirror's siblings; not named in §6 but needed to back
// CacheFacade.SetScalar durably without inventing a schema.
const scalarsDir = "scalars"

// Store is the on-disk backing for handler state and the master
// cursor, rooted at cacheDir (§6).
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory and its
// handlers/scalars subdirectories are created lazily on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// LoadState implements handler.StateStore. A missing file is not an
// error: a handler loaded for the first time starts at state zero
// (not ready) until initialize sets the READY bit.
func (s *Store) LoadState(ctx context.Context, handlerName string) (types.HandlerState, error) {
	data, err := os.ReadFile(s.handlerPath(handlerName))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read handler state %q", handlerName)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parse handler state %q", handlerName)
	}
	return types.HandlerState(n), nil
}

// SaveState implements handler.StateStore, writing the ASCII decimal
// state word atomically (handlers.c's handler_write_state: write,
// close, abort on failure — we return the error instead of aborting
// the process, leaving that decision to the caller per §7 resource
// fault).
func (s *Store) SaveState(ctx context.Context, handlerName string, state types.HandlerState) error {
	if err := os.MkdirAll(filepath.Join(s.dir, handlersDir), 0o755); err != nil {
		return errors.Wrap(err, "create handlers directory")
	}
	body := fmt.Sprintf("%d", uint32(state))
	return atomicWriteFile(s.handlerPath(handlerName), []byte(body))
}

func (s *Store) handlerPath(handlerName string) string {
	return filepath.Join(s.dir, handlersDir, handlerName)
}

// LoadCursor reads the last committed transaction id. A missing file
// means a fresh install; the pump starts from id zero.
func (s *Store) LoadCursor(ctx context.Context) (types.MasterCursor, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, cursorFile))
	if errors.Is(err, os.ErrNotExist) {
		return types.MasterCursor{}, nil
	}
	if err != nil {
		return types.MasterCursor{}, errors.Wrap(err, "read notifier_id")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return types.MasterCursor{}, errors.Wrap(err, "parse notifier_id")
	}
	return types.MasterCursor{LastAppliedID: n}, nil
}

// SaveCursor durably persists cursor, the S9 "write lastAppliedId
// durably" step. A failure here is a resource fault (§7.5): the
// caller should treat it as fatal rather than silently advancing in
// memory only.
func (s *Store) SaveCursor(ctx context.Context, cursor types.MasterCursor) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create cache directory")
	}
	body := fmt.Sprintf("%d", cursor.LastAppliedID)
	return atomicWriteFile(filepath.Join(s.dir, cursorFile), []byte(body))
}

// LoadScalar and SaveScalar back CacheFacade.SetScalar's durability
// requirement for ancillary bookkeeping keys beyond notifier_id.
func (s *Store) LoadScalar(ctx context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, scalarsDir, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read scalar %q", key)
	}
	return string(data), true, nil
}

func (s *Store) SaveScalar(ctx context.Context, key, value string) error {
	if err := os.MkdirAll(filepath.Join(s.dir, scalarsDir), 0o755); err != nil {
		return errors.Wrap(err, "create scalars directory")
	}
	return atomicWriteFile(filepath.Join(s.dir, scalarsDir, key), []byte(value))
}

// atomicWriteFile writes data to a sibling temp file and renames it
// over path, so a crash mid-write never leaves a truncated state
// file behind (handler_write_state relies on fopen/fprintf/fclose
// instead; the rename step is the one improvement this port makes,
// since os.Rename is atomic on the same filesystem on every platform
// Go supports).
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %q", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %q", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %q", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %q", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename into %q", path)
	}
	return nil
}
