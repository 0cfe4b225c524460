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

// Package ldapclient wraps github.com/netresearch/simple-ldap-go to
// provide the two operations the core requires of an LDAP master
// connection (§4.3): an idempotent bind and the translog lookup used
// to resolve protocol-v3 notifier replies.
package ldapclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	ldap "github.com/netresearch/simple-ldap-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smarttargettech/active-directory/internal/types"
)

// translogAttrs are the only two attributes the translog lookup needs,
// matching notifier_wait_id_result in the source.
var translogAttrs = []string{"reqType", "reqDN"}

// translogTimeout and translogSizeLimit are fixed by §4.3.
const (
	translogTimeout   = 5 * time.Minute
	translogSizeLimit = 1
)

// Config carries the connection parameters for the master LDAP
// server.
type Config struct {
	Server       string
	BaseDN       string
	BindDN       string
	BindPassword string
}

// Client is the LdapClient of §4.3: bind/search/unbind against the
// master, lazily (re)opened and closed on idle per §4.8.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *ldap.LDAP
}

// New returns a Client for cfg. No connection is opened until
// OpenIfClosed is first called.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// OpenIfClosed idempotently (re)binds to the master LDAP server.
func (c *Client) OpenIfClosed(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := ldap.New(ldap.Config{
		Server: c.cfg.Server,
		BaseDN: c.cfg.BaseDN,
	}, c.cfg.BindDN, c.cfg.BindPassword)
	if err != nil {
		return errors.Wrap(types.ErrServerDown, err.Error())
	}
	c.conn = conn
	log.WithField("server", c.cfg.Server).Debug("ldap: bound to master")
	return nil
}

// UnbindIfIdle releases the connection during idle periods (§4.8
// LDAP_IDLE) so the next OpenIfClosed call lazily rebinds.
// simple-ldap-go does not expose a Close method on *ldap.LDAP (the
// underlying connection is reclaimed by the garbage collector, per
// the pack's own connection-pool note); dropping our reference is the
// only unbind step available.
func (c *Client) UnbindIfIdle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	return nil
}

// FetchTranslog searches reqSession=<id>,cn=translog for the reqType
// and reqDN attributes of a protocol-v3 transaction (§4.3, §6). A
// missing attribute on the returned entry surfaces as
// types.ErrNoSuchAttribute, a non-fatal protocol fault.
func (c *Client) FetchTranslog(ctx context.Context, id uint64) (dn string, command types.Command, err error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", 0, errors.New("ldap: not connected")
	}

	base := fmt.Sprintf("reqSession=%d,cn=translog", id)
	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		translogSizeLimit,
		int(translogTimeout.Seconds()),
		false,
		"",
		translogAttrs,
		nil,
	)

	res, searchErr := conn.Search(req)
	if searchErr != nil {
		return "", 0, errors.Wrap(types.ErrServerDown, searchErr.Error())
	}
	if len(res.Entries) == 0 {
		return "", 0, errors.Wrap(types.ErrNoSuchAttribute, "translog entry not found")
	}
	entry := res.Entries[0]

	dnVal := entry.GetAttributeValue("reqDN")
	if dnVal == "" {
		return "", 0, errors.Wrap(types.ErrNoSuchAttribute, "reqDN")
	}
	typeVal := entry.GetAttributeValue("reqType")
	if len(typeVal) != 1 {
		return "", 0, errors.Wrap(types.ErrNoSuchAttribute, "reqType")
	}

	return dnVal, types.Command(typeVal[0]), nil
}

// FetchEntry retrieves the current attribute set for dn, used by the
// pump to build the "new" side of a change before dispatch.
func (c *Client) FetchEntry(ctx context.Context, dn string) (*types.CacheEntry, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("ldap: not connected")
	}

	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		0,
		false,
		"(objectClass=*)",
		nil,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, errors.Wrap(types.ErrServerDown, err.Error())
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}

	entry := types.NewCacheEntry(dn)
	for _, attr := range res.Entries[0].Attributes {
		vals := make(types.AttributeValues, len(attr.Values))
		for i, v := range attr.Values {
			vals[i] = []byte(v)
		}
		entry.Attributes[attr.Name] = vals
	}
	return entry, nil
}

// Classify reports whether an LDAP call's error is transient: true iff
// the error chain carries types.ErrServerDown (§4.1).
func Classify(err error) bool {
	return errors.Is(err, types.ErrServerDown)
}
