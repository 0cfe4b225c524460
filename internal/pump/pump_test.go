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

package pump

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttargettech/active-directory/internal/handler"
	"github.com/smarttargettech/active-directory/internal/notifier"
	"github.com/smarttargettech/active-directory/internal/persistence"
	"github.com/smarttargettech/active-directory/internal/retry"
	"github.com/smarttargettech/active-directory/internal/types"
)

// fakeNotifier is a scripted Notifier: GetResult always returns
// whatever txn is currently queued, regardless of the id requested,
// which is enough to drive the pump's state machine without a real
// socket.
type fakeNotifier struct {
	txn          types.NotifierTransaction
	getResultErr error
	waitReadable bool
	waitErr      error
	// waitSequence, when non-empty, overrides waitReadable: each Wait
	// call pops the next value, repeating the last once exhausted.
	waitSequence []bool
	waitCalls    int

	requestedIDs []uint64
	reopenCalls  int
	aliveCalls   int
	resendCalls  int
}

func (f *fakeNotifier) Reopen(ctx context.Context) error { f.reopenCalls++; return nil }

func (f *fakeNotifier) RequestNextDN(ctx context.Context, id uint64) (notifier.Handle, error) {
	f.requestedIDs = append(f.requestedIDs, id)
	return notifier.Handle{}, nil
}

func (f *fakeNotifier) ResendRequest(ctx context.Context, h notifier.Handle, id uint64) error {
	f.resendCalls++
	return nil
}

func (f *fakeNotifier) Alive(ctx context.Context) error { f.aliveCalls++; return nil }

func (f *fakeNotifier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	defer func() { f.waitCalls++ }()
	if len(f.waitSequence) == 0 {
		return f.waitReadable, f.waitErr
	}
	idx := f.waitCalls
	if idx >= len(f.waitSequence) {
		idx = len(f.waitSequence) - 1
	}
	return f.waitSequence[idx], f.waitErr
}

func (f *fakeNotifier) Poll(ctx context.Context, h notifier.Handle, timeout time.Duration) error {
	return nil
}

func (f *fakeNotifier) GetResult(h notifier.Handle) (types.NotifierTransaction, error) {
	return f.txn, f.getResultErr
}

func (f *fakeNotifier) Close() error { return nil }

var _ Notifier = (*fakeNotifier)(nil)

// fakeLdap is a scripted Ldap.
type fakeLdap struct {
	openCalls   int
	unbindCalls int
	translog    func(ctx context.Context, id uint64) (string, types.Command, error)
	entries     map[string]*types.CacheEntry
}

func newFakeLdap() *fakeLdap { return &fakeLdap{entries: make(map[string]*types.CacheEntry)} }

func (f *fakeLdap) OpenIfClosed(ctx context.Context) error { f.openCalls++; return nil }

func (f *fakeLdap) UnbindIfIdle(ctx context.Context) error { f.unbindCalls++; return nil }

func (f *fakeLdap) FetchTranslog(ctx context.Context, id uint64) (string, types.Command, error) {
	if f.translog != nil {
		return f.translog(ctx, id)
	}
	return "", types.CommandUnknown, types.ErrNoSuchAttribute
}

func (f *fakeLdap) FetchEntry(ctx context.Context, dn string) (*types.CacheEntry, error) {
	return f.entries[dn], nil
}

var _ Ldap = (*fakeLdap)(nil)

// fakeStateStore is a minimal in-memory handler.StateStore. Handlers
// load at state zero; newTestPump's InitializeAll call is what marks
// them ready, since pump tests care about the transaction state
// machine, not handler bootstrapping.
type fakeStateStore struct{ state map[string]types.HandlerState }

func (s *fakeStateStore) LoadState(ctx context.Context, name string) (types.HandlerState, error) {
	return s.state[name], nil
}

func (s *fakeStateStore) SaveState(ctx context.Context, name string, state types.HandlerState) error {
	s.state[name] = state
	return nil
}

type recordingPlugin struct {
	calls   int
	handErr error
	last    struct {
		dn                 string
		newEntry, oldEntry map[string]types.AttributeValues
		cmd                types.Command
	}
}

var _ handler.Plugin = (*recordingPlugin)(nil)

func newRecordingPlugin() *recordingPlugin { return &recordingPlugin{} }

func (r *recordingPlugin) Manifest() handler.Manifest {
	return handler.Manifest{Name: "recorder", Description: "records calls"}
}
func (r *recordingPlugin) SetData(ctx context.Context, key, value string) error { return nil }
func (r *recordingPlugin) Initialize(ctx context.Context) error                { return nil }
func (r *recordingPlugin) Clean(ctx context.Context) error                     { return nil }
func (r *recordingPlugin) Prerun(ctx context.Context) error                    { return nil }
func (r *recordingPlugin) Postrun(ctx context.Context) error                   { return nil }
func (r *recordingPlugin) Handle(
	ctx context.Context, dn string, newEntry, oldEntry map[string]types.AttributeValues, cmd types.Command,
) error {
	r.calls++
	r.last.dn, r.last.newEntry, r.last.oldEntry, r.last.cmd = dn, newEntry, oldEntry, cmd
	return r.handErr
}

func noSleep(ctx context.Context, d time.Duration) {}

func alwaysOk[T any](result T, err error) retry.Outcome {
	if err != nil {
		return retry.Fatal
	}
	return retry.Ok
}

func newTestPump(t *testing.T, n *fakeNotifier, l *fakeLdap, plugin *recordingPlugin) *Pump {
	t.Helper()
	reg := handler.NewRegistry(&fakeStateStore{state: make(map[string]types.HandlerState)})
	reg.Load(context.Background(), []handler.Source{
		{Name: "s", Factories: []handler.Factory{func() handler.Plugin { return plugin }}},
	})
	reg.InitializeAll(context.Background())

	durable, err := persistence.NewDurableCache(context.Background(), persistence.NewStore(t.TempDir()))
	require.NoError(t, err)

	p := New()
	p.Notifier = n
	p.Ldap = l
	p.Cache = durable
	p.Entries = durable
	p.Registry = reg
	p.Dispatcher = &handler.Dispatcher{Registry: reg, Cache: durable}
	p.Journal = persistence.NewJournal("")
	p.FreeSpace = FreeSpaceChecker{}
	p.NotifierPolicy = &retry.Policy[notifier.Handle]{Name: "n", MaxAttempts: 1, Classify: alwaysOk[notifier.Handle], Sleep: noSleep}
	p.LdapPolicy = &retry.Policy[struct{}]{Name: "l", MaxAttempts: 1, Classify: alwaysOk[struct{}], Sleep: noSleep}
	return p
}

func TestRunOnceHappyPathAppliesChangeAndAdvancesCursor(t *testing.T) {
	plugin := newRecordingPlugin()
	n := &fakeNotifier{
		txn:          types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandAdd},
		waitReadable: true,
	}
	l := newFakeLdap()
	l.entries["cn=a"] = &types.CacheEntry{DN: "cn=a", Attributes: map[string]types.AttributeValues{"cn": {[]byte("a")}}}

	p := newTestPump(t, n, l, plugin)
	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, []uint64{1}, n.requestedIDs)
	assert.Equal(t, 1, l.openCalls)
	assert.Equal(t, 1, plugin.calls)
	assert.Equal(t, "cn=a", plugin.last.dn)
	assert.Equal(t, uint64(1), p.Cache.Cursor().LastAppliedID)

	_, ok := p.Entries.GetEntry("cn=a")
	assert.True(t, ok)
}

func TestRunOnceResolvesV3SentinelViaTranslog(t *testing.T) {
	plugin := newRecordingPlugin()
	n := &fakeNotifier{
		txn:          types.NotifierTransaction{ID: 1, Command: types.CommandUnknown},
		waitReadable: true,
	}
	l := newFakeLdap()
	l.entries["cn=resolved"] = &types.CacheEntry{DN: "cn=resolved"}
	l.translog = func(ctx context.Context, id uint64) (string, types.Command, error) {
		return "cn=resolved", types.CommandModify, nil
	}

	p := newTestPump(t, n, l, plugin)
	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, 1, plugin.calls)
	assert.Equal(t, "cn=resolved", plugin.last.dn)
	assert.Equal(t, uint64(1), p.Cache.Cursor().LastAppliedID)
}

func TestRunOnceFatalWhenIdGoesBackwards(t *testing.T) {
	plugin := newRecordingPlugin()
	n := &fakeNotifier{
		txn:          types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandAdd},
		waitReadable: true,
	}
	l := newFakeLdap()
	p := newTestPump(t, n, l, plugin)

	// Pre-advance the cursor past what the notifier is about to
	// deliver.
	require.NoError(t, p.Cache.UpdateMasterCursor(context.Background(), types.MasterCursor{LastAppliedID: 5}))

	err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
}

func TestRunOnceDeleteRemovesEntryAndSkipsFetch(t *testing.T) {
	plugin := newRecordingPlugin()
	n := &fakeNotifier{
		txn:          types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandDelete},
		waitReadable: true,
	}
	l := newFakeLdap()
	p := newTestPump(t, n, l, plugin)
	p.Entries.PutEntry(types.NewCacheEntry("cn=a"))

	require.NoError(t, p.RunOnce(context.Background()))

	_, ok := p.Entries.GetEntry("cn=a")
	assert.False(t, ok, "delete must remove the entry snapshot")
}

func TestRunOnceHandlerFailureDoesNotAdvanceCursorOrMutateEntry(t *testing.T) {
	plugin := newRecordingPlugin()
	plugin.handErr = errors.New("handler boom")
	n := &fakeNotifier{
		txn:          types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandAdd},
		waitReadable: true,
	}
	l := newFakeLdap()
	l.entries["cn=a"] = &types.CacheEntry{DN: "cn=a", Attributes: map[string]types.AttributeValues{"cn": {[]byte("a")}}}

	p := newTestPump(t, n, l, plugin)
	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, 1, plugin.calls)
	assert.Equal(t, uint64(0), p.Cache.Cursor().LastAppliedID, "cursor must not advance when the handler fails (§7.3)")

	_, ok := p.Entries.GetEntry("cn=a")
	assert.False(t, ok, "entry snapshot must not be written when the handler fails")

	// A second RunOnce with the id unchanged re-requests the same id,
	// demonstrating the retry side of the closing rule.
	plugin.handErr = nil
	require.NoError(t, p.RunOnce(context.Background()))
	assert.Equal(t, []uint64{1, 1}, n.requestedIDs, "same id is re-requested until a handler succeeds")
	assert.Equal(t, uint64(1), p.Cache.Cursor().LastAppliedID)
	_, ok = p.Entries.GetEntry("cn=a")
	assert.True(t, ok, "entry snapshot is written once the retried handler succeeds")
}

func TestRunOnceDeleteHandlerFailureDoesNotRemoveEntryOrAdvanceCursor(t *testing.T) {
	plugin := newRecordingPlugin()
	plugin.handErr = errors.New("handler boom")
	n := &fakeNotifier{
		txn:          types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandDelete},
		waitReadable: true,
	}
	l := newFakeLdap()
	p := newTestPump(t, n, l, plugin)
	p.Entries.PutEntry(types.NewCacheEntry("cn=a"))

	require.NoError(t, p.RunOnce(context.Background()))

	_, ok := p.Entries.GetEntry("cn=a")
	assert.True(t, ok, "a failed delete must leave the applied-marker snapshot in place for retry (§7/§8)")
	assert.Equal(t, uint64(0), p.Cache.Cursor().LastAppliedID, "cursor must not advance when the delete handler fails")
}

func TestIdlePollClosesLdapAndPostrunsBeforeWidening(t *testing.T) {
	plugin := newRecordingPlugin()
	n := &fakeNotifier{
		// First Wait call times out at the narrow LDAP_IDLE timeout;
		// the second becomes readable once the pump has widened it.
		waitSequence: []bool{false, true},
		txn:          types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandAdd},
	}
	l := newFakeLdap()
	p := newTestPump(t, n, l, plugin)

	txn, err := p.pollLoop(context.Background(), notifier.Handle{}, 1)
	require.NoError(t, err)
	assert.Equal(t, types.NotifierTransaction{ID: 1, DN: "cn=a", Command: types.CommandAdd}, txn)
	assert.Equal(t, 1, l.unbindCalls, "idle cycle must unbind LDAP")
	assert.Equal(t, LDAPIdleTimeout, p.timeout, "timeout widens after the idle cycle, then narrows back once a message is readable")
}
