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
	"time"

	"github.com/taskmesh/worker/worker"
)

// TestBatchedStreamCoalescesIntoOneFrame covers spec.md §4.F "Outgoing": a
// burst of Sends within the coalescing window produces a single array frame
// rather than one frame per message.
func TestBatchedStreamCoalescesIntoOneFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	stream := NewBatchedStream(NewConn(client), nil)
	defer stream.Stop()

	stream.Send(worker.AddKeysMsg{Keys: []worker.Key{"a"}})
	stream.Send(worker.ReleaseMsg{Key: "b", Cause: "test"})

	sc := NewConn(server)
	sc.nc.SetReadDeadline(time.Now().Add(time.Second))
	batch, err := sc.RecvBatch()
	if err != nil {
		t.Fatalf("RecvBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d envelopes in one frame, want both messages coalesced into 2", len(batch))
	}
	if batch[0].Op != "add-keys" || batch[1].Op != "release" {
		t.Fatalf("ops = %q, %q, want add-keys, release (send order preserved)", batch[0].Op, batch[1].Op)
	}
}

func TestToEnvelopeRejectsUnknownMessageType(t *testing.T) {
	if _, err := toEnvelope(42); err == nil {
		t.Fatal("toEnvelope accepted a message type outside worker's outgoing set")
	}
}

func TestToEnvelopeTaskFinished(t *testing.T) {
	env, err := toEnvelope(worker.TaskFinishedMsg{Key: "k", NBytes: 8, Type: "int64"})
	if err != nil {
		t.Fatalf("toEnvelope: %v", err)
	}
	if env.Op != "task-finished" {
		t.Fatalf("Op = %q, want task-finished", env.Op)
	}
	if env.Fields["status"] != "OK" {
		t.Fatalf("Fields[status] = %v, want OK", env.Fields["status"])
	}
}
