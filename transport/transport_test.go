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

package transport

import (
	"net"
	"testing"
)

func TestConnSendRecvOneRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	want := Envelope{Op: "get_data", Fields: map[string]any{"who": "tcp://127.0.0.1:1"}}
	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send(want) }()

	got, err := sc.RecvOne()
	if err != nil {
		t.Fatalf("RecvOne: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Op != want.Op {
		t.Fatalf("Op = %q, want %q", got.Op, want.Op)
	}
	if got.Fields["who"] != want.Fields["who"] {
		t.Fatalf("Fields[who] = %v, want %v", got.Fields["who"], want.Fields["who"])
	}
}

func TestConnRecvBatchAcceptsArrayFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	batch := []Envelope{{Op: "task-finished"}, {Op: "add-keys"}}
	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send(batch) }()

	got, err := sc.RecvBatch()
	if err != nil {
		t.Fatalf("RecvBatch: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecvBatch returned %d envelopes, want 2", len(got))
	}
	if got[0].Op != "task-finished" || got[1].Op != "add-keys" {
		t.Fatalf("RecvBatch ops = %q, %q, want task-finished, add-keys", got[0].Op, got[1].Op)
	}
}

func TestConnRecvBatchAcceptsSingleFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send(Envelope{Op: "close", Close: true}) }()

	got, err := sc.RecvBatch()
	if err != nil {
		t.Fatalf("RecvBatch: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 1 || got[0].Op != "close" || !got[0].Close {
		t.Fatalf("RecvBatch = %+v, want a single close envelope", got)
	}
}

func TestConnRecvValueBareLiteral(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send("OK") }()

	var reply string
	if err := sc.RecvValue(&reply); err != nil {
		t.Fatalf("RecvValue: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "OK" {
		t.Fatalf("reply = %q, want OK", reply)
	}
}
