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
	"github.com/ethereum/go-ethereum/log"
	"github.com/taskmesh/worker/worker"
)

// Server accepts connections from the scheduler and peers and dispatches
// each decoded Envelope into worker.HandleOp (spec.md §4.F "Incoming
// dispatch"). It is the listener half of the public surface described in
// §2's component table ("peer workers answer D's get_data requests via F's
// public listener, which also serves delete_data, keys, and
// compute-stream").
type Server struct {
	w   *worker.Worker
	log log.Logger
}

// NewServer returns a Server dispatching into w.
func NewServer(w *worker.Worker, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	return &Server{w: w, log: logger}
}

// Serve accepts connections from ln until it returns an error (typically
// because the listener was closed during shutdown).
func (s *Server) Serve(ln *Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *Conn) {
	defer conn.Close()
	for {
		batch, err := conn.RecvBatch()
		if err != nil {
			return
		}
		for _, env := range batch {
			s.dispatch(conn, env)
			if env.Close {
				return
			}
		}
	}
}

// dispatch decodes one Envelope's Fields into the typed payload worker.
// HandleOp expects for that op, invokes it, and writes back a reply
// Envelope for the ops that carry one (get_data, keys).
func (s *Server) dispatch(conn *Conn, env Envelope) {
	switch env.Op {
	case "get_data":
		req := worker.GetDataRequest{
			Keys: decodeKeys(env.Fields["keys"]),
			Who:  stringField(env.Fields["who"]),
		}
		s.w.HandleOp("get_data", req, func(v any) {
			resp, _ := v.(map[worker.Key]any)
			fields := make(map[string]any, len(resp))
			for k, val := range resp {
				fields[string(k)] = val
			}
			if err := conn.Send(Envelope{Op: "get_data", Reply: true, Fields: fields}); err != nil {
				s.log.Error("server: get_data reply failed", "err", err)
			}
		})

	case "keys":
		s.w.HandleOp("keys", nil, func(v any) {
			keys, _ := v.([]worker.Key)
			if err := conn.Send(Envelope{Op: "keys", Reply: true, Fields: map[string]any{"keys": keys}}); err != nil {
				s.log.Error("server: keys reply failed", "err", err)
			}
		})

	case "delete-data", "delete_data":
		req := worker.DeleteDataRequest{
			Keys:   decodeKeys(env.Fields["keys"]),
			Report: stringField(env.Fields["report"]) == "true",
		}
		s.w.HandleOp(env.Op, req, nil)

	case "compute-task":
		params, err := decodeAddTaskParams(env.Fields)
		if err != nil {
			s.log.Error("server: malformed compute-task", "err", err)
			return
		}
		s.w.HandleOp("compute-task", params, nil)

	case "release-task":
		req := worker.ReleaseTaskRequest{
			Key:    worker.Key(stringField(env.Fields["key"])),
			Cause:  stringField(env.Fields["cause"]),
			Reason: stringField(env.Fields["reason"]),
		}
		s.w.HandleOp("release-task", req, nil)

	case "compute-stream", "gather", "terminate", "close":
		s.w.HandleOp(env.Op, nil, nil)

	default:
		s.log.Warn("server: unknown op", "op", env.Op)
	}
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func decodeKeys(v any) []worker.Key {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]worker.Key, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, worker.Key(s))
		}
	}
	return out
}

func decodeWhoHas(v any) map[worker.Key][]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[worker.Key][]string, len(raw))
	for k, peers := range raw {
		out[worker.Key(k)] = toStringSlice(peers)
	}
	return out
}

func decodeNBytes(v any) map[worker.Key]int64 {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[worker.Key]int64, len(raw))
	for k, n := range raw {
		out[worker.Key(k)] = toInt64(n)
	}
	return out
}

func decodeResources(v any) map[string]int64 {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int64, len(raw))
	for k, n := range raw {
		out[k] = toInt64(n)
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toBytes(v any) []byte {
	b, _ := v.([]byte)
	return b
}

// decodeAddTaskParams builds worker.AddTaskParams from a compute-task
// Envelope's generic Fields map. FutureHandle is left nil: the core treats
// it as optional (spec.md §3), and wiring a real client-side future is the
// embedding process's job, not this transport's.
func decodeAddTaskParams(fields map[string]any) (worker.AddTaskParams, error) {
	return worker.AddTaskParams{
		Key:                  worker.Key(stringField(fields["key"])),
		Priority:             decodePriority(fields["priority"]),
		WhoHas:               decodeWhoHas(fields["who_has"]),
		NBytes:               decodeNBytes(fields["nbytes"]),
		Duration:             toFloat64(fields["duration"]),
		ResourceRestrictions: decodeResources(fields["resource_restrictions"]),
		FuncBlob:             toBytes(fields["func"]),
		ArgsBlob:             toBytes(fields["args"]),
		KwargsBlob:           toBytes(fields["kwargs"]),
	}, nil
}

func decodePriority(v any) worker.Priority {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make(worker.Priority, len(raw))
	for i, n := range raw {
		out[i] = toInt64(n)
	}
	return out
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
