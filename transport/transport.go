// Copyright 2024 The taskmesh Authors
// This file is part of the taskmesh library.
//
// The taskmesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The taskmesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the taskmesh library. If not, see <http://www.gnu.org/licenses/>.

// Package transport supplies the collaborators the worker package explicitly
// keeps out of its core (spec.md §1): byte-level wire framing, MsgPack
// encoding/decoding, and RPC session lifetimes. It implements
// worker.SchedulerClient, worker.PeerClient and worker.BatchedSender over
// length-framed TCP connections carrying MsgPack-encoded Envelopes.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameBytes bounds a single decoded frame; a length prefix beyond this is
// treated as a corrupt stream rather than an attempt to allocate unbounded
// memory.
const maxFrameBytes = 256 << 20

// Envelope is the wire shape of every message exchanged with the scheduler or
// a peer (spec.md §6): an operation name, optional reply/close flags, and an
// op-specific field set. Fields is decoded generically here; the caller
// (worker.HandleOp's dispatch, or this package's client RPCs) interprets it
// according to Op.
type Envelope struct {
	Op     string         `msgpack:"op"`
	Reply  bool           `msgpack:"reply,omitempty"`
	Close  bool           `msgpack:"close,omitempty"`
	Fields map[string]any `msgpack:"fields,omitempty"`
}

// Conn is a length-framed, MsgPack-encoded connection. A 4-byte big-endian
// length prefix precedes every frame's payload, the byte-level framing
// spec.md §1 carves out of the core. Conn is safe for concurrent Send calls;
// Recv must only be called from one goroutine at a time (mirroring the
// teacher's own rlpx.Conn split between a serialized writer and a single
// reading loop).
type Conn struct {
	nc      net.Conn
	writeMu sync.Mutex
	readBuf []byte
}

// NewConn wraps an already-established net.Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr reports the address formatting of the peer at the other end.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// Send encodes v as a single MsgPack frame and writes it with its length
// prefix. v is typically an Envelope or a []Envelope (arrays arrive batched,
// spec.md §4.F "Incoming dispatch": "may arrive singly or in arrays").
func (c *Conn) Send(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("transport: outgoing frame of %d bytes exceeds limit", len(payload))
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(header); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := c.nc.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame's payload.
func (c *Conn) readFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.nc, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: incoming frame of %d bytes exceeds limit", n)
	}
	if cap(c.readBuf) < int(n) {
		c.readBuf = make([]byte, n)
	}
	buf := c.readBuf[:n]
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RecvBatch reads the next frame and decodes it into one or more Envelopes,
// accepting both a single encoded map and an encoded array (spec.md §4.F).
func (c *Conn) RecvBatch() ([]Envelope, error) {
	frame, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var batch []Envelope
	if err := msgpack.Unmarshal(frame, &batch); err == nil {
		return batch, nil
	}
	var single Envelope
	if err := msgpack.Unmarshal(frame, &single); err != nil {
		return nil, fmt.Errorf("transport: decode frame: %w", err)
	}
	return []Envelope{single}, nil
}

// RecvOne reads exactly one frame expected to carry a single Envelope (used
// for RPC-style request/reply exchanges such as who_has).
func (c *Conn) RecvOne() (Envelope, error) {
	frame, err := c.readFrame()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return env, nil
}

// RecvValue reads the next frame and decodes it directly into dest, for RPCs
// whose reply isn't an Envelope — register's reply is the bare literal "OK"
// (spec.md §4.F), not a structured message.
func (c *Conn) RecvValue(dest any) error {
	frame, err := c.readFrame()
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(frame, dest); err != nil {
		return fmt.Errorf("transport: decode frame: %w", err)
	}
	return nil
}
