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
	"fmt"
	"math/rand"
	"net"
	"strconv"
)

// Listener accepts length-framed Conns (spec.md §4.F "Registration": "open a
// listener on a random free port (retry-on-busy within a small range)").
type Listener struct {
	ln   net.Listener
	Port int
}

// ListenRange tries, in random order, every port in [low, high] and returns
// the first one that binds. If low/high is zero (no range configured), it
// falls back to asking the OS for an ephemeral port.
func ListenRange(host string, low, high int) (*Listener, error) {
	if low <= 0 || high <= 0 || high < low {
		return listenOn(host, 0)
	}
	ports := make([]int, 0, high-low+1)
	for p := low; p <= high; p++ {
		ports = append(ports, p)
	}
	rand.Shuffle(len(ports), func(i, j int) { ports[i], ports[j] = ports[j], ports[i] })

	var lastErr error
	for _, p := range ports {
		l, err := listenOn(host, p)
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transport: no free port in [%d,%d]: %w", low, high, lastErr)
}

func listenOn(host string, port int) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	actual := ln.Addr().(*net.TCPAddr).Port
	return &Listener{ln: ln, Port: actual}, nil
}

// Accept blocks for the next inbound connection and wraps it as a Conn.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
