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
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/taskmesh/worker/worker"
)

// SchedulerClient implements worker.SchedulerClient over a single persistent
// Conn to the scheduler's address (spec.md §4.F, §6).
type SchedulerClient struct {
	addr string

	mu   sync.Mutex
	conn *Conn
}

// NewSchedulerClient returns a client that lazily dials addr on first use.
func NewSchedulerClient(addr string) *SchedulerClient {
	return &SchedulerClient{addr: addr}
}

func (s *SchedulerClient) ensureConn(ctx context.Context) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	host, port, err := SplitAddr(s.addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("transport: dial scheduler %s: %w", s.addr, err)
	}
	s.conn = NewConn(nc)
	return s.conn, nil
}

// Register implements worker.SchedulerClient. A non-"OK" reply, or any
// transport failure, is surfaced to the caller, which treats it as fatal
// per spec.md §7 class 5.
func (s *SchedulerClient) Register(ctx context.Context, info worker.RegisterInfo) error {
	conn, err := s.ensureConn(ctx)
	if err != nil {
		return err
	}
	env := Envelope{Op: "register", Fields: map[string]any{
		"address":   info.Address,
		"ncores":    info.NCores,
		"keys":      info.Keys,
		"nbytes":    info.NBytes,
		"now":       info.Now,
		"executing": info.Executing,
		"in_memory": info.InMemory,
		"ready":     info.Ready,
		"in_flight": info.InFlight,
	}}
	if err := conn.Send(env); err != nil {
		return err
	}
	var reply string
	if err := conn.RecvValue(&reply); err != nil {
		return fmt.Errorf("transport: register reply: %w", err)
	}
	if reply != "OK" {
		return fmt.Errorf("transport: scheduler rejected registration: %q", reply)
	}
	return nil
}

// WhoHas implements worker.SchedulerClient for missing-dep recovery
// (spec.md §4.D).
func (s *SchedulerClient) WhoHas(ctx context.Context, keys []worker.Key) (map[worker.Key][]string, error) {
	conn, err := s.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(Envelope{Op: "who_has", Fields: map[string]any{"keys": keys}}); err != nil {
		return nil, err
	}
	env, err := conn.RecvOne()
	if err != nil {
		return nil, fmt.Errorf("transport: who_has reply: %w", err)
	}
	out := make(map[worker.Key][]string, len(keys))
	for _, k := range keys {
		if raw, ok := env.Fields[string(k)]; ok {
			out[k] = toStringSlice(raw)
		}
	}
	return out, nil
}

// PeerDialer implements worker.PeerClient by dialing each peer address fresh
// per request — get_data batches are infrequent and short-lived enough that
// a connection pool is not worth the complexity the spec doesn't ask for.
type PeerDialer struct{}

// GetData implements worker.PeerClient (spec.md §4.D step 4, §6).
func (PeerDialer) GetData(ctx context.Context, addr string, keys []worker.Key, who string) (map[worker.Key]any, error) {
	host, port, err := SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("transport: dial peer %s: %w", addr, err)
	}
	conn := NewConn(nc)
	defer conn.Close()

	if err := conn.Send(Envelope{Op: "get_data", Fields: map[string]any{"keys": keys, "who": who}}); err != nil {
		return nil, err
	}
	env, err := conn.RecvOne()
	if err != nil {
		return nil, fmt.Errorf("transport: get_data reply: %w", err)
	}
	out := make(map[worker.Key]any, len(keys))
	for _, k := range keys {
		if v, ok := env.Fields[string(k)]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
