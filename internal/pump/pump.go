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

// Package pump implements the TransactionPump state machine of §4.7
// and the idle-maintenance policy of §4.8, grounded on
// notifier.c's notifier_listen: a single cooperative loop that reads
// the next transaction id, resolves its DN and command, dispatches it
// through the handler registry, and durably advances the cursor
// before looping.
package pump

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/cache"
	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/metrics"
	"github.com/smarttargettech/active-directory/internal/notifier"
	"github.com/smarttargettech/active-directory/internal/persistence"
	"github.com/smarttargettech/active-directory/internal/retry"
	"github.com/smarttargettech/active-directory/internal/types"
)

// Notifier is the slice of notifier.Client the pump drives. Defined
// at point of use so tests can substitute a fake stream.
type Notifier interface {
	Reopen(ctx context.Context) error
	RequestNextDN(ctx context.Context, id uint64) (notifier.Handle, error)
	ResendRequest(ctx context.Context, h notifier.Handle, id uint64) error
	Alive(ctx context.Context) error
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	Poll(ctx context.Context, h notifier.Handle, timeout time.Duration) error
	GetResult(h notifier.Handle) (types.NotifierTransaction, error)
	Close() error
}

var _ Notifier = (*notifier.Client)(nil)

// Ldap is the slice of ldapclient.Client the pump drives.
type Ldap interface {
	OpenIfClosed(ctx context.Context) error
	UnbindIfIdle(ctx context.Context) error
	FetchTranslog(ctx context.Context, id uint64) (string, types.Command, error)
	FetchEntry(ctx context.Context, dn string) (*types.CacheEntry, error)
}

// LDAPIdleTimeout and AliveTimeout are the two S2 thresholds of §4.8.
const (
	LDAPIdleTimeout = 15 * time.Second
	AliveTimeout    = 5 * time.Minute
)

// Pump is the TransactionPump of §4.7.
type Pump struct {
	Notifier   Notifier
	Ldap       Ldap
	Cache      cache.Facade
	Entries    cache.EntryStore
	Registry   *handler.Registry
	Dispatcher *handler.Dispatcher
	Journal    *persistence.Journal
	FreeSpace  FreeSpaceChecker

	NotifierPolicy *retry.Policy[notifier.Handle]
	LdapPolicy     *retry.Policy[struct{}]

	stash persistence.StashedOp

	// timeout is the dynamic S2 poll timeout; it widens to AliveTimeout
	// after an idle cycle and narrows back to LDAPIdleTimeout once a
	// message arrives.
	timeout time.Duration
}

// New returns a Pump ready to run RunOnce/Run, with the S2 timeout
// starting at its narrow value.
func New() *Pump {
	return &Pump{timeout: LDAPIdleTimeout}
}

// RunOnce executes one full S0-S10 cycle. It returns a fatal error
// (wrapped with types.Fatal) when the pump must stop for the
// supervisor to restart the process, or nil when the cycle completed
// (whether or not the transaction's handlers all succeeded: handler
// faults are logged, not propagated, per §7.3).
func (p *Pump) RunOnce(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			metrics.PumpFatalTotal.Inc()
			return
		}
		metrics.PumpTransactionDurations.Observe(time.Since(start).Seconds())
		metrics.PumpTransactionsTotal.Inc()
	}()

	// S0: read lastAppliedId.
	last := p.Cache.Cursor().LastAppliedID

	if err := p.checkFreeSpace(); err != nil {
		return types.Fatal(err)
	}

	// S1: request next id.
	h, err := p.requestNext(ctx, last+1)
	if err != nil {
		return types.Fatal(errors.Wrap(err, "request next dn"))
	}

	// S2: poll with dynamic timeout.
	txn, err := p.pollLoop(ctx, h, last+1)
	if err != nil {
		return err // already classified fatal by pollLoop
	}

	// S3: validate.
	if txn.Command != types.CommandUnknown && txn.ID != last+1 {
		return types.Fatal(errors.Errorf("notifier delivered id %d with command set, expected %d", txn.ID, last+1))
	}
	if txn.ID <= last {
		return types.Fatal(errors.Errorf("notifier id went backwards: got %d, last applied %d", txn.ID, last))
	}

	// S4: ensure LDAP open.
	if err := p.ensureLdapOpen(ctx); err != nil {
		return types.Fatal(errors.Wrap(err, "open ldap"))
	}

	// S5: resolve via translog if the reply was the v3 sentinel.
	if txn.Command == types.CommandUnknown {
		dn, cmd, ferr := p.Ldap.FetchTranslog(ctx, txn.ID)
		if ferr != nil {
			log.WithError(ferr).WithField("id", txn.ID).Warn("pump: translog fetch failed, retrying next loop")
			return nil
		}
		txn.DN, txn.Command = dn, cmd
	}

	// S7 belongs logically after S6, but the stash check on the
	// *incoming* transaction happens here per §4.7: if there is
	// already a stashed op and the just-resolved transaction carries
	// no usable command, stash the new one and retry from S1.
	if txn.Command == types.CommandUnknown {
		if _, already := p.stash.Take(); already {
			log.WithField("id", txn.ID).Warn("pump: two consecutive unresolved transactions, dropping older stash")
		}
		p.stash.Stash(txn)
		return nil
	}

	// S6: dispatch. A non-fatal handler failure must not advance the
	// cursor (§7.3, §4.7's closing rule): return now so the next loop
	// iteration re-requests the same id instead of running S7-S9.
	if failures := p.applyChange(ctx, txn); failures > 0 {
		log.WithField("dn", txn.DN).WithField("id", txn.ID).WithField("failures", failures).
			Warn("pump: handler failures, cursor not advanced; retrying same id next loop")
		return nil
	}

	// S7: flush a previously stashed delayed op once this one's done.
	// Its own failures are logged but don't gate this iteration's
	// cursor advance: the stash already held it back once.
	if pending, ok := p.stash.Take(); ok {
		if failures := p.applyChange(ctx, pending); failures > 0 {
			log.WithField("dn", pending.DN).WithField("id", pending.ID).WithField("failures", failures).
				Warn("pump: stashed op had handler failures")
		}
	}

	// S8: optional outbound journal.
	if err := p.Journal.WriteEntry(ctx, txn); err != nil {
		return types.Fatal(errors.Wrap(err, "write transaction journal"))
	}

	// S9: persist cursor.
	if err := p.Cache.UpdateMasterCursor(ctx, types.MasterCursor{LastAppliedID: txn.ID}); err != nil {
		return types.Fatal(errors.Wrap(err, "persist cursor"))
	}

	return nil
}

func (p *Pump) requestNext(ctx context.Context, id uint64) (notifier.Handle, error) {
	return p.NotifierPolicy.Do(ctx, func(ctx context.Context) (notifier.Handle, error) {
		return p.Notifier.RequestNextDN(ctx, id)
	})
}

// pollLoop implements S2's timeout/readable branches.
func (p *Pump) pollLoop(ctx context.Context, h notifier.Handle, id uint64) (types.NotifierTransaction, error) {
	for {
		readable, err := p.Notifier.Wait(ctx, p.timeout)
		if err != nil {
			return types.NotifierTransaction{}, types.Fatal(errors.Wrap(err, "notifier wait"))
		}
		if !readable {
			if p.timeout == LDAPIdleTimeout {
				if err := p.Ldap.UnbindIfIdle(ctx); err != nil {
					log.WithError(err).Warn("pump: idle unbind failed")
				}
				p.Registry.PostrunAll(ctx)
				p.timeout = AliveTimeout
				continue
			}
			// timeout_wide: send alive; fatal if it fails, else resend.
			if err := p.Notifier.Alive(ctx); err != nil {
				return types.NotifierTransaction{}, types.Fatal(errors.Wrap(err, "notifier alive"))
			}
			if err := p.Notifier.ResendRequest(ctx, h, id); err != nil {
				return types.NotifierTransaction{}, types.Fatal(errors.Wrap(err, "notifier resend"))
			}
			continue
		}

		p.timeout = LDAPIdleTimeout
		if err := p.Notifier.Poll(ctx, h, p.timeout); err != nil {
			if errors.Is(err, notifier.TimeoutSentinel) {
				continue
			}
			return types.NotifierTransaction{}, types.Fatal(errors.Wrap(err, "notifier poll"))
		}
		txn, err := p.Notifier.GetResult(h)
		if err != nil {
			return types.NotifierTransaction{}, types.Fatal(errors.Wrap(err, "notifier get result"))
		}
		return txn, nil
	}
}

func (p *Pump) ensureLdapOpen(ctx context.Context) error {
	_, err := p.LdapPolicy.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.Ldap.OpenIfClosed(ctx)
	})
	return err
}

// applyChange fetches the current entry, looks up the previous one,
// runs the dispatcher, and stores the result back into the entry
// store (S6). A delete is recognized by command, not by a nil fetch
// result, since a nil fetch could also mean a transient read race.
//
// It returns the number of handler failures reported by the
// dispatcher (or 1 if the entry couldn't even be fetched). The entry
// snapshot is only mutated when that count is zero: §7/§8's delete
// idempotence relies on the applied marker — and the diff `old`
// snapshot used on retry — surviving a failed attempt untouched, and
// the caller uses a non-zero return to hold the cursor back so the
// same id is retried next loop.
func (p *Pump) applyChange(ctx context.Context, txn types.NotifierTransaction) (failures int) {
	old, _ := p.Entries.GetEntry(txn.DN)

	if txn.Command.IsDelete() {
		failures = p.Dispatcher.ApplyDelete(ctx, txn.DN, old, txn.Command)
		if failures == 0 {
			p.Entries.DeleteEntry(txn.DN)
		}
		return failures
	}

	newEntry, err := p.Ldap.FetchEntry(ctx, txn.DN)
	if err != nil {
		log.WithError(err).WithField("dn", txn.DN).Warn("pump: failed to fetch entry, handlers skipped this cycle")
		return 1
	}
	if newEntry == nil {
		newEntry = types.NewCacheEntry(txn.DN)
	}

	failures = p.Dispatcher.Apply(ctx, txn.DN, newEntry, old, txn.Command)
	if failures == 0 {
		p.Entries.PutEntry(newEntry)
	}
	return failures
}
