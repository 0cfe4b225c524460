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

// Package notifier implements the client side of the notifier wire
// protocol described in §6 of the design: a request/reply stream that
// publishes ordered transaction ids for a directory master. The wire
// format is preserved bit-for-bit from the original deployment
// (original_source/management/univention-directory-notifier/src/notify.h).
package notifier

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/smarttargettech/active-directory/internal/types"
)

// opcode is the single-byte request discriminator on the wire.
type opcode byte

// The four notifier requests the core issues.
const (
	opGetDN     opcode = 1
	opAlive     opcode = 2
	opResend    opcode = 3
	opNewClient opcode = 4
)

// replyStatus mirrors the notifier's integer result code: zero means
// success, non-zero is transient (§4.1 "non-zero result" classifier).
type replyStatus int32

const replyOK replyStatus = 0

// request is the wire-level encoding of one notifier call.
type request struct {
	op    opcode
	msgID uint32
	id    uint64
}

func (r request) encode() []byte {
	buf := make([]byte, 1+4+8)
	buf[0] = byte(r.op)
	binary.BigEndian.PutUint32(buf[1:5], r.msgID)
	binary.BigEndian.PutUint64(buf[5:13], r.id)
	return buf
}

// reply is the wire-level decoding of one notifier response: a
// transaction id, an optional DN (empty before protocol v3 resolves
// it via translog), a single command byte, and a status code.
type reply struct {
	msgID  uint32
	txn    types.NotifierTransaction
	status replyStatus
}

// minReplySize is status(4) + msgid(4) + id(8) + cmd(1) + dnlen(2).
const minReplySize = 4 + 4 + 8 + 1 + 2

func decodeReply(r io.Reader) (reply, error) {
	head := make([]byte, minReplySize)
	if _, err := io.ReadFull(r, head); err != nil {
		return reply{}, errors.Wrap(err, "read notifier reply header")
	}
	var rep reply
	rep.status = replyStatus(int32(binary.BigEndian.Uint32(head[0:4])))
	rep.msgID = binary.BigEndian.Uint32(head[4:8])
	rep.txn.ID = binary.BigEndian.Uint64(head[8:16])
	rep.txn.Command = types.Command(head[16])
	dnLen := binary.BigEndian.Uint16(head[17:19])
	if dnLen > 0 {
		dn := make([]byte, dnLen)
		if _, err := io.ReadFull(r, dn); err != nil {
			return reply{}, errors.Wrap(err, "read notifier reply dn")
		}
		rep.txn.DN = string(dn)
	}
	return rep, nil
}
