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

// Package types contains the data types and interfaces that define the
// major functional blocks of the replication daemon. Keeping them in a
// single package makes it easy to compose the daemon's collaborators
// without import cycles.
package types

import (
	"context"

	"github.com/pkg/errors"
)

// Command identifies the kind of directory change a transaction
// represents.
type Command byte

// The wire and translog vocabulary for Command. CommandUnknown ('\0')
// is the protocol-v3 sentinel meaning "consult the LDAP translog for
// the real command".
const (
	CommandUnknown Command = 0
	CommandAdd     Command = 'a'
	CommandModify  Command = 'm'
	CommandDelete  Command = 'd'
	CommandNoop    Command = 'n'
	CommandRename  Command = 'r'
)

// String renders the command as the single-character form used on the
// wire and passed to handlers whose Manifest.ModRDN is set.
func (c Command) String() string {
	if c == CommandUnknown {
		return "\x00"
	}
	return string(rune(c))
}

// IsDelete reports whether the command represents a deletion.
func (c Command) IsDelete() bool { return c == CommandDelete }

// HandlerState is the persisted, bit-flagged state word of a handler.
type HandlerState uint32

// StateReady must be set for a handler to be invoked outside of
// init-mode. It is the only bit the core interprets; plugin authors
// may use the remaining bits for their own bookkeeping.
const StateReady HandlerState = 1 << 0

// Ready reports whether the StateReady bit is set.
func (s HandlerState) Ready() bool { return s&StateReady != 0 }

// NotifierTransaction is the unit of work handed from the notifier's
// change stream to the pump. Ids strictly increase; Command ==
// CommandUnknown is the wire sentinel instructing the pump to resolve
// DN and Command via the LDAP translog.
type NotifierTransaction struct {
	ID      uint64
	DN      string
	Command Command
}

// MasterCursor is the durable bookmark of the last transaction the
// daemon has fully committed.
type MasterCursor struct {
	LastAppliedID uint64
}

// AttributeValues is the DN-local representation of one attribute's
// multi-valued bytes, matching the wire shape the handler callables
// consume.
type AttributeValues [][]byte

// CacheEntry is the opaque-to-the-core, DN-keyed snapshot the
// CacheFacade operates on: a set of attribute values plus a record of
// which handlers have already applied this revision.
type CacheEntry struct {
	DN         string
	Attributes map[string]AttributeValues
	Applied    map[string]bool
}

// NewCacheEntry returns an empty entry for dn.
func NewCacheEntry(dn string) *CacheEntry {
	return &CacheEntry{
		DN:         dn,
		Attributes: make(map[string]AttributeValues),
		Applied:    make(map[string]bool),
	}
}

// HasApplied reports whether handler name is recorded as having
// processed this entry's current state. A nil entry (e.g. the "old"
// side of an add) never has anything applied.
func (e *CacheEntry) HasApplied(name string) bool {
	if e == nil {
		return false
	}
	return e.Applied[name]
}

// MarkApplied records that handler name has successfully processed
// this entry.
func (e *CacheEntry) MarkApplied(name string) {
	if e == nil {
		return
	}
	if e.Applied == nil {
		e.Applied = make(map[string]bool)
	}
	e.Applied[name] = true
}

// MarkUnapplied removes the applied marker for handler name, e.g.
// after a failed delete so the delete will be retried.
func (e *CacheEntry) MarkUnapplied(name string) {
	if e == nil {
		return
	}
	delete(e.Applied, name)
}

// Dict returns the entry's attributes as a DN-local mapping, with a
// missing entry represented as an empty (non-nil) map rather than
// absent, matching the contract handler callables expect.
func (e *CacheEntry) Dict() map[string]AttributeValues {
	if e == nil {
		return map[string]AttributeValues{}
	}
	return e.Attributes
}

// ErrNoSuchAttribute is returned when an LDAP translog entry is
// missing reqType or reqDN. It is a protocol fault (§7.1): non-fatal,
// the transaction is retried on the next loop.
var ErrNoSuchAttribute = errors.New("no such attribute")

// ErrServerDown classifies an LDAP operation as transient for the
// purposes of RetryPolicy.
var ErrServerDown = errors.New("ldap server down")

// Fatal wraps err to mark it as a fatal invariant violation (§7.6):
// the pump must stop and the supervisor must restart the process.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err}
}

type fatalError struct{ cause error }

func (f *fatalError) Error() string { return f.cause.Error() }
func (f *fatalError) Unwrap() error { return f.cause }
func (f *fatalError) Cause() error  { return f.cause }

// IsFatal reports whether err (or anything it wraps) was produced by
// Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Filterer evaluates whether a DN/entry pair matches a set of LDAP
// search filters. It is implemented by CacheFacade on behalf of the
// dispatcher's filter gate (§4.6 step 3).
type Filterer interface {
	FilterMatches(ctx context.Context, filters []string, dn string, entry *CacheEntry) (bool, error)
}
