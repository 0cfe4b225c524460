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

package notifier

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/types"
)

// Handle is an opaque pending-request token returned by
// RequestNextDN. It must be passed to Poll/GetResult/Resend.
type Handle struct {
	msgID uint32
}

// TimeoutSentinel is returned by Poll when the deadline elapses
// without a reply becoming available.
var TimeoutSentinel = errors.New("notifier: poll timed out")

// Client is the NotifierClient described in §4.2: a request/response
// channel to the change stream. It is driven by the pump; it is not
// itself event-driven.
type Client struct {
	dial func(ctx context.Context) (net.Conn, error)

	mu      sync.Mutex
	conn    net.Conn
	br      *bufio.Reader
	nextMsg uint32
	pending map[uint32]reply
}

// New returns a Client that dials new connections with dial.
func New(dial func(ctx context.Context) (net.Conn, error)) *Client {
	return &Client{dial: dial, pending: make(map[uint32]reply)}
}

// Reopen closes any existing connection and dials a fresh one. It is
// the reconnect hook the notifier RetryPolicy invokes on a transient
// classification (§4.1).
func (c *Client) Reopen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.br = nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return errors.Wrap(err, "notifier: dial")
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	return c.send(request{op: opNewClient})
}

func (c *Client) send(req request) error {
	if c.conn == nil {
		return errors.New("notifier: not connected")
	}
	_, err := c.conn.Write(req.encode())
	return errors.Wrap(err, "notifier: write")
}

// RequestNextDN asks the notifier for the DN/command of transaction
// id, returning a pending handle the caller polls for the result.
func (c *Client) RequestNextDN(ctx context.Context, id uint64) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextMsg++
	msgID := c.nextMsg
	if err := c.send(request{op: opGetDN, msgID: msgID, id: id}); err != nil {
		return Handle{}, err
	}
	return Handle{msgID: msgID}, nil
}

// ResendRequest re-issues a previously requested GET_DN, using the
// same message id, after an ALIVE probe succeeds but no reply has
// arrived within the wide timeout window (§4.7 S2 timeout_wide).
func (c *Client) ResendRequest(ctx context.Context, h Handle, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(request{op: opResend, msgID: h.msgID, id: id})
}

// Alive sends a keepalive probe to the notifier. A non-nil error
// classifies as fatal per §4.7 S2: the pump has no recourse but to
// stop and let the supervisor restart it.
func (c *Client) Alive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(request{op: opAlive})
}

// Wait blocks until the underlying connection has data available to
// read, the timeout elapses, or an error occurs. It returns (true,
// nil) when readable and (false, nil) on timeout; the peeked byte, if
// any, stays buffered for the next Poll call.
func (c *Client) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	conn, br := c.conn, c.br
	c.mu.Unlock()
	if conn == nil {
		return false, errors.New("notifier: not connected")
	}
	type deadliner interface {
		SetReadDeadline(time.Time) error
	}
	if d, ok := conn.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(timeout))
	}
	if _, err := br.Peek(1); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, errors.Wrap(err, "notifier: wait")
	}
	return true, nil
}

// Poll attempts to decode a reply for handle. It returns
// TimeoutSentinel if the reply currently sitting on the wire belongs
// to a different handle and no further data is available yet.
func (c *Client) Poll(ctx context.Context, h Handle, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[h.msgID]; ok {
		return nil
	}
	if c.conn == nil {
		return errors.New("notifier: not connected")
	}
	if d, ok := c.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(time.Now().Add(timeout))
	}
	if _, err := c.br.Peek(1); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return TimeoutSentinel
		}
		return errors.Wrap(err, "notifier: poll")
	}
	rep, err := decodeReply(c.br)
	if err != nil {
		return err
	}
	c.pending[rep.msgID] = rep
	if _, ok := c.pending[h.msgID]; ok {
		return nil
	}
	return TimeoutSentinel
}

// GetResult returns the decoded transaction for a handle that Poll has
// already reported ready.
func (c *Client) GetResult(h Handle) (types.NotifierTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rep, ok := c.pending[h.msgID]
	if !ok {
		return types.NotifierTransaction{}, errors.New("notifier: result not ready")
	}
	delete(c.pending, h.msgID)
	if rep.status != replyOK {
		return types.NotifierTransaction{}, errors.Errorf("notifier: reply status %d", rep.status)
	}
	return rep.txn, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	return err
}

// Classify reports whether a notifier call's error is transient: any
// non-nil error, including the one GetResult returns for a reply status
// that isn't replyOK, is transient (§4.1 "transient iff non-zero
// result").
func Classify(err error) bool {
	if err == nil {
		return false
	}
	log.WithError(err).Debug("notifier call classified transient")
	return true
}
