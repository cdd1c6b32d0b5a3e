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
	"net"
	"strconv"
)

// FormatAddr renders a worker/scheduler endpoint as spec.md §6's
// "tcp://<host>:<port>" literal.
func FormatAddr(host string, port int) string {
	return fmt.Sprintf("tcp://%s", net.JoinHostPort(host, strconv.Itoa(port)))
}

// SplitAddr parses a "tcp://host:port" literal back into its host and port.
func SplitAddr(addr string) (host string, port int, err error) {
	const prefix = "tcp://"
	if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
		addr = addr[len(prefix):]
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("transport: malformed address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("transport: malformed port in %q: %w", addr, err)
	}
	return h, portNum, nil
}

// RewriteLoopback replaces the loopback literal 127.0.0.1 in addr with the
// host's primary outbound IP, so the address a worker registers with the
// scheduler is reachable by remote peers (spec.md §6). Any other host is
// left untouched. primaryIP failures leave addr unchanged rather than fail
// registration outright — a loopback-only environment (single-machine
// testing) is a legitimate deployment this package must still support.
func RewriteLoopback(addr string) string {
	host, port, err := SplitAddr(addr)
	if err != nil || host != "127.0.0.1" {
		return addr
	}
	ip, err := primaryIP()
	if err != nil {
		return addr
	}
	return FormatAddr(ip, port)
}

// primaryIP returns the local address the OS would pick to reach the public
// internet, without sending any traffic: opening a UDP "connection" only
// resolves a route and assigns a local endpoint. This is a standard Go
// idiom for this problem and not something any library in the retrieved
// pack offers a dedicated helper for.
func primaryIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("transport: unexpected local addr type %T", conn.LocalAddr())
	}
	return local.IP.String(), nil
}
