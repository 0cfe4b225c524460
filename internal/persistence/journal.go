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
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/smarttargettech/active-directory/internal/types"
)

// transactionFile and transactionIndexFile mirror
// <notifyDir>/transaction and <notifyDir>/transaction.index (§6): an
// append-only log of applied transactions plus a single-line index
// recording the current append offset, written before the cursor
// advances (S8).
const (
	transactionFile      = "transaction"
	transactionIndexFile = "transaction.index"
)

// Journal is the optional outbound transaction journal of S8. It is
// disabled by default (§4.8, "optional, configurable"); a daemon that
// does not configure a journal directory never touches disk for it.
type Journal struct {
	dir string
}

// NewJournal returns a Journal rooted at dir, or a no-op Journal if
// dir is empty.
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir}
}

// Enabled reports whether this Journal actually writes entries.
func (j *Journal) Enabled() bool { return j.dir != "" }

// WriteEntry appends one line to the transaction log and advances the
// index file to match, mirroring notifier_write_transaction_file's
// append-then-record-offset order: if the process dies between the
// two writes, the index is the authority and the dangling log tail is
// ignored on the next read.
func (j *Journal) WriteEntry(ctx context.Context, txn types.NotifierTransaction) error {
	if !j.Enabled() {
		return nil
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return errors.Wrap(err, "create journal directory")
	}

	line := fmt.Sprintf("%d %c %s\n", txn.ID, byte(txn.Command), txn.DN)
	f, err := os.OpenFile(filepath.Join(j.dir, transactionFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open transaction journal")
	}
	defer f.Close()

	if _, err := f.Write([]byte(line)); err != nil {
		return errors.Wrap(err, "append transaction journal entry")
	}

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat transaction journal")
	}
	return atomicWriteFile(filepath.Join(j.dir, transactionIndexFile), []byte(fmt.Sprintf("%d\n", info.Size())))
}

// StashedOp holds the delayed operation described in S7: when the
// notifier delivers a v3 "resolve via translog" reply but the
// translog lookup itself yields no command, the current transaction
// is stashed and retried after the next one completes, rather than
// blocking the pump.
type StashedOp struct {
	Pending *types.NotifierTransaction
}

// Stash records cur as the delayed op, replacing any previous one.
func (s *StashedOp) Stash(cur types.NotifierTransaction) {
	s.Pending = &cur
}

// Take returns and clears the stashed op, if any.
func (s *StashedOp) Take() (types.NotifierTransaction, bool) {
	if s.Pending == nil {
		return types.NotifierTransaction{}, false
	}
	txn := *s.Pending
	s.Pending = nil
	return txn, true
}
